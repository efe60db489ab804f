// Package ffmpeg splits acquired media into fixed-duration or silence-aware
// chunks with the ffmpeg segment muxer. Output is re-encoded to mono 16 kHz
// mp3, matching the acquisition profile.
package ffmpeg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bnema/segmentd/internal/adapter/runner"
	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/infrastructure/logger"
	"github.com/bnema/segmentd/internal/port"
	"github.com/dustin/go-humanize"
)

type Policy string

const (
	PolicyDuration Policy = "duration"
	PolicySilence  Policy = "silence"
)

type Config struct {
	FfmpegBinary  string
	FfprobeBinary string
	TargetSeconds int
	Policy        Policy

	// Silence detection tuning, used only by PolicySilence.
	SilenceNoiseDB  string
	SilenceDuration string
}

type Segmenter struct {
	cfg    Config
	runner runner.Runner
}

func NewSegmenter(cfg Config, r runner.Runner) *Segmenter {
	if cfg.FfmpegBinary == "" {
		cfg.FfmpegBinary = "ffmpeg"
	}
	if cfg.FfprobeBinary == "" {
		cfg.FfprobeBinary = "ffprobe"
	}
	if cfg.TargetSeconds <= 0 {
		cfg.TargetSeconds = 60
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDuration
	}
	if cfg.SilenceNoiseDB == "" {
		cfg.SilenceNoiseDB = "-30dB"
	}
	if cfg.SilenceDuration == "" {
		cfg.SilenceDuration = "0.5"
	}
	if r == nil {
		r = runner.ExecRunner{}
	}
	return &Segmenter{cfg: cfg, runner: r}
}

// Segment splits inputPath into outDir. Before invoking the tool it
// reconciles with any outputs a previous interrupted run left behind:
// intact files at or past startSeq are emitted as-is and ffmpeg resumes
// after them, so already-committed segments are never re-emitted.
func (s *Segmenter) Segment(ctx context.Context, jobID, inputPath, outDir string, startSeq int, emit func(domain.Segment) error) error {
	info, err := s.probe(ctx, inputPath)
	if err != nil {
		return err
	}
	if !formatSupported(info.FormatName) {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, info.FormatName)
	}
	if !info.HasAudio || info.Duration <= 0 {
		return fmt.Errorf("%w: no usable audio in input", domain.ErrTranscodeFailed)
	}

	existing, err := s.reconcile(outDir, startSeq)
	if err != nil {
		return err
	}

	// Emit intact leftovers first so the ledger catches up before the tool
	// runs again.
	offset := 0.0
	for seq := 0; seq < len(existing); seq++ {
		seg, err := s.describe(ctx, jobID, seq, existing[seq])
		if err != nil {
			return err
		}
		offset += seg.Duration
		if seq < startSeq {
			continue
		}
		if err := emit(seg); err != nil {
			return err
		}
	}

	nextSeq := len(existing)
	// Half a second of slack absorbs encoder duration drift.
	if offset >= info.Duration-0.5 {
		// Prior run already produced the full output.
		if nextSeq == 0 {
			return fmt.Errorf("%w: zero segments produced", domain.ErrTranscodeFailed)
		}
		return nil
	}
	if nextSeq > 0 {
		logger.Info.Printf("job %s: resuming segmentation at index %d (offset %.1fs)", jobID, nextSeq, offset)
	}

	if err := s.run(ctx, inputPath, outDir, info, nextSeq, offset); err != nil {
		return err
	}

	produced, err := listSegments(outDir)
	if err != nil {
		return err
	}
	if len(produced) == 0 {
		return fmt.Errorf("%w: zero segments produced", domain.ErrTranscodeFailed)
	}

	for seq := nextSeq; seq < len(produced); seq++ {
		seg, err := s.describe(ctx, jobID, seq, produced[seq])
		if err != nil {
			return err
		}
		if err := emit(seg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Segmenter) run(ctx context.Context, inputPath, outDir string, info probeInfo, startSeq int, offset float64) error {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-y"}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", offset))
	}
	args = append(args,
		"-i", inputPath,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "libmp3lame",
		"-b:a", "64k",
		"-f", "segment",
	)

	if s.cfg.Policy == PolicySilence {
		cuts, err := s.silenceCutPoints(ctx, inputPath, info.Duration, offset)
		if err != nil {
			return err
		}
		if len(cuts) > 0 {
			args = append(args, "-segment_times", joinFloats(cuts))
		} else {
			args = append(args, "-segment_time", fmt.Sprintf("%d", s.cfg.TargetSeconds))
		}
	} else {
		args = append(args, "-segment_time", fmt.Sprintf("%d", s.cfg.TargetSeconds))
	}

	args = append(args,
		"-segment_start_number", fmt.Sprintf("%d", startSeq),
		filepath.Join(outDir, "segment_%05d.mp3"),
	)

	res, err := s.runner.Run(ctx, s.cfg.FfmpegBinary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: ffmpeg exit %d: %s", domain.ErrTranscodeFailed, res.ExitCode, firstLine(res.Stderr))
	}
	return nil
}

// reconcile scans outDir for outputs of a previous run and returns the
// contiguous prefix, path per index. The trailing file past the confirmed
// index may have been cut off mid-write, so it is discarded rather than
// trusted.
func (s *Segmenter) reconcile(outDir string, startSeq int) ([]string, error) {
	existing, err := listSegments(outDir)
	if err != nil {
		return nil, err
	}
	if len(existing) > startSeq {
		suspect := existing[len(existing)-1]
		if err := os.Remove(suspect); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove suspect segment: %w", err)
		}
		existing = existing[:len(existing)-1]
	}
	return existing, nil
}

// listSegments returns the contiguous run of segment files from index 0,
// ordered by index. A gap ends the run; later files are ignored.
func listSegments(outDir string) ([]string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("scan segment dir: %w", err)
	}

	bySeq := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "segment_%05d.mp3", &seq); err != nil {
			continue
		}
		bySeq[seq] = filepath.Join(outDir, e.Name())
	}

	var paths []string
	for seq := 0; ; seq++ {
		p, ok := bySeq[seq]
		if !ok {
			break
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (s *Segmenter) describe(ctx context.Context, jobID string, seq int, path string) (domain.Segment, error) {
	info, err := s.probe(ctx, path)
	if err != nil {
		return domain.Segment{}, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return domain.Segment{}, fmt.Errorf("stat segment: %w", err)
	}

	sum, err := checksumFile(path)
	if err != nil {
		return domain.Segment{}, err
	}

	logger.Debug.Printf("job %s: segment %d ready (%s, %.1fs)", jobID, seq, humanize.Bytes(uint64(fi.Size())), info.Duration)
	return domain.Segment{
		JobID:    jobID,
		Seq:      seq,
		Path:     path,
		Duration: info.Duration,
		Size:     fi.Size(),
		Checksum: sum,
	}, nil
}

// silenceCutPoints runs a silencedetect pass and derives cut times near the
// target duration: the latest silence midpoint inside each window wins, and
// a window without silence falls back to the fixed boundary. Returned times
// are relative to offset, matching the output timeline after -ss.
func (s *Segmenter) silenceCutPoints(ctx context.Context, inputPath string, duration, offset float64) ([]float64, error) {
	res, err := s.runner.Run(ctx, s.cfg.FfmpegBinary,
		"-hide_banner", "-nostats",
		"-i", inputPath,
		"-af", fmt.Sprintf("silencedetect=noise=%s:d=%s", s.cfg.SilenceNoiseDB, s.cfg.SilenceDuration),
		"-f", "null", "-",
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: silencedetect: %s", domain.ErrTranscodeFailed, firstLine(res.Stderr))
	}

	midpoints := parseSilenceMidpoints(res.Stderr)
	target := float64(s.cfg.TargetSeconds)

	var cuts []float64
	start := offset
	for start+target < duration {
		limit := start + target
		cut := limit
		for _, m := range midpoints {
			// Accept a silence cut no earlier than half a window in.
			if m > start+target/2 && m <= limit {
				cut = m
			}
		}
		cuts = append(cuts, cut-offset)
		start = cut
	}
	return cuts, nil
}

// parseSilenceMidpoints extracts silence intervals from silencedetect
// stderr output and returns their midpoints in ascending order.
func parseSilenceMidpoints(stderr string) []float64 {
	var (
		midpoints []float64
		start     float64
		haveStart bool
	)
	for _, line := range strings.Split(stderr, "\n") {
		if i := strings.Index(line, "silence_start: "); i >= 0 {
			if _, err := fmt.Sscanf(line[i:], "silence_start: %f", &start); err == nil {
				haveStart = true
			}
			continue
		}
		if i := strings.Index(line, "silence_end: "); i >= 0 && haveStart {
			var end float64
			if _, err := fmt.Sscanf(line[i:], "silence_end: %f", &end); err == nil {
				midpoints = append(midpoints, (start+end)/2)
			}
			haveStart = false
		}
	}
	sort.Float64s(midpoints)
	return midpoints
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum segment: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum segment: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return strings.Join(parts, ",")
}

var _ port.Segmenter = (*Segmenter)(nil)
