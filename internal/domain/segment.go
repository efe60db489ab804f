package domain

// Segment is one entry of a job's output manifest. Immutable once written:
// the ledger enforces contiguous Seq values starting at 0.
type Segment struct {
	JobID    string
	Seq      int
	Path     string
	Duration float64
	Size     int64
	Checksum string
}

// FetchResult is what the acquisition worker reports on success.
type FetchResult struct {
	Path  string
	Size  int64
	Title string
}

// Workspace is the per-job directory pair allocated under the downloads
// and segments roots. Never shared between two jobs.
type Workspace struct {
	DownloadDir string
	SegmentDir  string
}
