package port

import (
	"context"

	"github.com/bnema/segmentd/internal/domain"
)

// Fetcher acquires a remote media source into destDir. Transient failures
// (timeouts, 5xx-equivalents) are retried internally with backoff; only
// non-retryable errors or retry-budget exhaustion are returned.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, destDir string) (domain.FetchResult, error)
}
