package port

import (
	"context"

	"github.com/bnema/segmentd/internal/domain"
)

// Segmenter splits inputPath into chunks under outDir. Segments are emitted
// incrementally through emit so the caller can commit each one to the ledger
// as it is confirmed; startSeq is the first index not yet committed, letting
// an interrupted run resume without re-emitting prior segments. A non-nil
// error from emit aborts the run.
type Segmenter interface {
	Segment(ctx context.Context, jobID, inputPath, outDir string, startSeq int, emit func(domain.Segment) error) error
}
