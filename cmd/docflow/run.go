package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docflow/internal/apperrors"
	"docflow/internal/export"
	"docflow/internal/job"
	"docflow/internal/pipeline"
)

var errIncomplete = errors.New("batch incomplete")

type runOptions struct {
	hint      string
	export    bool
	outputDir string
	format    string
	jsonOut   bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] <file|dir|url>...",
		Short: "Extract text from local files or URLs in memory-bounded groups",
		Long: `run submits every input to the orchestrator in groups sized against
the memory currently available, waits for each group and prints one line
per input. Directories contribute their regular files (not recursively).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), root, opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.hint, "hint", "", "Recognition hint passed to the extractor (default: extract.hint)")
	cmd.Flags().BoolVar(&opts.export, "export", false, "Convert each extracted text with pandoc")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "Export directory (default: export.output_dir, else the working directory)")
	cmd.Flags().StringVar(&opts.format, "format", "", "Export format (default: export.format)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the run summary as JSON")
	return cmd
}

func runBatch(ctx context.Context, root *rootOptions, opts *runOptions, args []string, out io.Writer) error {
	cfg := root.cfg
	refs, err := expandInputs(args)
	if err != nil {
		return err
	}

	hint := opts.hint
	if hint == "" {
		hint = cfg.Extract.Hint
	}
	format := opts.format
	if format == "" {
		format = cfg.Export.Format
	}
	outputDir := opts.outputDir
	if outputDir == "" {
		outputDir = cfg.Export.OutputDir
	}
	if outputDir == "" {
		outputDir = "."
	}
	if opts.export {
		if _, ok := export.Extension(format); !ok {
			return apperrors.Validation("format", fmt.Sprintf("unsupported export format %q", format))
		}
	}

	a, err := newApp(ctx, cfg, sinks{})
	if err != nil {
		return err
	}
	runCtx, stopRun := context.WithCancel(context.Background())
	a.start(runCtx)
	defer func() {
		stopRun()
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()

	printer := newStatusPrinter(out, opts.jsonOut)
	runner, err := pipeline.New(pipeline.Config{
		Orchestrator: a.jobs,
		Planner:      a.planner,
		Budget:       a.governor,
		Metrics:      a.metrics,
		Hint:         hint,
		OnResult: func(v job.View) {
			exported := ""
			if opts.export && v.Status == job.StatusCompleted && v.Result != nil {
				path, err := a.exporter.Export(ctx, v.Result.Text, format, outputDir, export.BaseName(v.Reference))
				if err != nil {
					slog.Error("Export failed", "reference", v.Reference, "error", err)
				} else {
					exported = path
				}
			}
			printer.result(v, exported)
		},
	})
	if err != nil {
		return err
	}

	start := time.Now()
	summary, runErr := runner.Run(ctx, refs)
	printer.summary(summary, time.Since(start))
	if runErr != nil {
		return runErr
	}
	if summary.Failed() {
		return fmt.Errorf("%w: %d of %d inputs did not complete", errIncomplete, len(summary.Views)-summary.Counts[string(job.StatusCompleted)], len(summary.Views))
	}
	return nil
}

// expandInputs replaces directory arguments with the regular files they
// contain, sorted by name. URLs and files pass through unchanged.
func expandInputs(args []string) ([]string, error) {
	var refs []string
	for _, arg := range args {
		if strings.Contains(arg, "://") {
			refs = append(refs, arg)
			continue
		}
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			refs = append(refs, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read input directory: %w", err)
		}
		var files []string
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
		slices.Sort(files)
		refs = append(refs, files...)
	}
	if len(refs) == 0 {
		return nil, apperrors.Validation("inputs", "no inputs found")
	}
	return refs, nil
}

// statusPrinter writes one coloured line per finished input, or a JSON
// summary at the end.
type statusPrinter struct {
	out     io.Writer
	jsonOut bool
	ok      *color.Color
	fail    *color.Color
	skip    *color.Color
	dim     *color.Color
}

func newStatusPrinter(out io.Writer, jsonOut bool) *statusPrinter {
	return &statusPrinter{
		out:     out,
		jsonOut: jsonOut,
		ok:      color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		skip:    color.New(color.FgYellow),
		dim:     color.New(color.Faint),
	}
}

func (p *statusPrinter) result(v job.View, exported string) {
	if p.jsonOut {
		return
	}
	switch v.Status {
	case job.StatusCompleted:
		chars := 0
		if v.Result != nil {
			chars = len([]rune(v.Result.Text))
		}
		p.ok.Fprintf(p.out, "  ✓ %s", v.Reference)
		detail := fmt.Sprintf(" %d chars", chars)
		if v.CacheHit {
			detail += ", cached"
		}
		if exported != "" {
			detail += " -> " + exported
		}
		p.dim.Fprintln(p.out, detail)
	case job.StatusCancelled:
		p.skip.Fprintf(p.out, "  ⊘ %s cancelled\n", v.Reference)
	default:
		p.fail.Fprintf(p.out, "  ✗ %s: %s\n", v.Reference, v.Error)
	}
}

func (p *statusPrinter) summary(s pipeline.Summary, elapsed time.Duration) {
	if p.jsonOut {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s)
		return
	}
	line := fmt.Sprintf("%d completed, %d failed, %d cancelled in %d group(s), %d cached, %s",
		s.Counts[string(job.StatusCompleted)],
		s.Counts[string(job.StatusFailed)],
		s.Counts[string(job.StatusCancelled)],
		s.Groups,
		s.CacheHits,
		units.HumanDuration(elapsed),
	)
	if s.Failed() {
		p.fail.Fprintln(p.out, line)
		return
	}
	p.ok.Fprintln(p.out, line)
}
