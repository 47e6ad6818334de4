// Package cache implements a content-addressed two-tier store: a bounded
// in-memory LRU in front of a persistent on-disk tier.
package cache

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Descriptor identifies a unit of work. Two descriptors with the same
// fields always derive the same key, regardless of option insertion order.
type Descriptor struct {
	Input       string         // reference as submitted (path or URL)
	Fingerprint string         // content digest, or the reference when content is not readable
	Hint        string         // document type hint passed to the extractor
	Options     map[string]any // options that influence the result
}

// Key returns the hex SHA-256 digest of the canonical descriptor.
func (d Descriptor) Key() string {
	sum := sha256.Sum256([]byte(d.canonical()))
	return hex.EncodeToString(sum[:])
}

// canonical encodes the descriptor as JSON with options as sorted
// [name, value] pairs, so no field content can mimic a separator.
func (d Descriptor) canonical() string {
	opts := make([][2]string, 0, len(d.Options))
	for k, v := range d.Options {
		opts = append(opts, [2]string{k, optionString(v)})
	}
	slices.SortFunc(opts, func(a, b [2]string) int { return cmp.Compare(a[0], b[0]) })

	data, _ := json.Marshal(struct {
		Input       string      `json:"input"`
		Fingerprint string      `json:"fingerprint"`
		Hint        string      `json:"hint"`
		Options     [][2]string `json:"options"`
	}{d.Input, d.Fingerprint, d.Hint, opts})
	return string(data)
}

// optionString renders scalars through cast so 1, int64(1) and "1" agree.
// Composite values fall back to fmt, which prints maps with sorted keys.
func optionString(v any) string {
	if v == nil {
		return ""
	}
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Entry is a stored value plus its bookkeeping. Entries are replaced
// wholesale, never mutated in place.
type Entry struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	Size        int64
	Compressed  bool
}

// Tier selects which layer an operation applies to.
type Tier int

const (
	TierMemory Tier = 1 << iota
	TierDisk
	TierAll = TierMemory | TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseTier maps "memory", "disk" and "all" (or "") to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory":
		return TierMemory, nil
	case "disk":
		return TierDisk, nil
	case "", "all":
		return TierAll, nil
	default:
		return 0, fmt.Errorf("unknown cache tier %q", s)
	}
}
