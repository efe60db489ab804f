// Package validation checks job submissions before they reach the
// orchestrator.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bnema/segmentd/internal/domain"
)

var (
	ErrBadURL        = errors.New("source is not a valid http(s) URL")
	ErrUnsafeUpload  = errors.New("upload source must be a plain relative path")
	ErrSourceTooLong = errors.New("source exceeds maximum length")
)

// maxSourceLength bounds URLs and filenames to a common filesystem limit.
const maxSourceLength = 2048

// Source validates the source reference for a job kind. Remote-fetch jobs
// need a well-formed http(s) URL; upload jobs a relative path that cannot
// escape the uploads root.
func Source(kind domain.JobKind, source string) error {
	if source == "" {
		return fmt.Errorf("source is required")
	}
	if len(source) > maxSourceLength {
		return ErrSourceTooLong
	}

	switch kind {
	case domain.JobKindRemoteFetch:
		u, err := url.Parse(source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrBadURL
		}
		return nil
	case domain.JobKindUpload:
		if filepath.IsAbs(source) || strings.ContainsRune(source, 0) {
			return ErrUnsafeUpload
		}
		clean := filepath.Clean(source)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return ErrUnsafeUpload
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", string(kind))
	}
}
