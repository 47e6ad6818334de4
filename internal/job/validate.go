package job

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"docflow/internal/apperrors"
)

// Validation limits
const (
	maxJobIDLength    = 128
	maxReferenceLen   = 4096
	maxHintLength     = 1024
	maxOptions        = 32
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxCallbackEvents = 16
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// validate checks a request. An empty ID is allowed; one is minted later.
func validate(req *Request) error {
	if req.ID != "" {
		if len(req.ID) > maxJobIDLength {
			return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
		}
		if !jobIDPattern.MatchString(req.ID) {
			return apperrors.Validation("id", "job ID must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
		}
	}

	if strings.TrimSpace(req.Reference) == "" {
		return apperrors.Validation("reference", "reference is required")
	}
	if len(req.Reference) > maxReferenceLen {
		return apperrors.Validation("reference", fmt.Sprintf("reference exceeds maximum length of %d", maxReferenceLen))
	}
	if len(req.Hint) > maxHintLength {
		return apperrors.Validation("hint", fmt.Sprintf("hint exceeds maximum length of %d", maxHintLength))
	}
	if len(req.Options) > maxOptions {
		return apperrors.Validation("options", fmt.Sprintf("options exceed maximum of %d entries", maxOptions))
	}

	// Validate metadata
	if len(req.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range req.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	// Validate callback
	if req.Callback != nil {
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
