// Package ytdlp acquires remote media through the yt-dlp tool. Audio is
// extracted to mono 16 kHz mp3, a profile suited to downstream speech
// processing. Transient failures (timeouts, throttling, upstream 5xx) are
// retried with exponential backoff; broken or unsupported sources fail
// immediately.
package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/segmentd/internal/adapter/runner"
	"github.com/bnema/segmentd/internal/domain"
	"github.com/bnema/segmentd/internal/infrastructure/logger"
	"github.com/bnema/segmentd/internal/port"
	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"
)

const outputPrefix = "source_"

type Config struct {
	Binary         string
	AttemptTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxRate        string
	CookiesFile    string
	ProxyURL       string
}

type Fetcher struct {
	cfg    Config
	runner runner.Runner
}

func NewFetcher(cfg Config, r runner.Runner) *Fetcher {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if r == nil {
		r = runner.ExecRunner{}
	}
	return &Fetcher{cfg: cfg, runner: r}
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL, destDir string) (domain.FetchResult, error) {
	backoff := retry.WithMaxRetries(uint64(f.cfg.MaxRetries), retry.NewExponential(f.cfg.InitialBackoff))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Info.Printf("fetch attempt %d for %s", attempt, logger.SanitizeForLog(sourceURL))
		}
		return f.attempt(ctx, sourceURL, destDir)
	})
	if err != nil {
		return domain.FetchResult{}, err
	}

	result, err := f.collect(destDir)
	if err != nil {
		return domain.FetchResult{}, err
	}

	logger.Info.Printf("fetched %s (%s) from %s",
		filepath.Base(result.Path), humanize.Bytes(uint64(result.Size)), logger.SanitizeForLog(sourceURL))
	return result, nil
}

// attempt runs one bounded yt-dlp invocation. On timeout the process group
// is killed by the runner and the attempt counts as transient.
func (f *Fetcher) attempt(ctx context.Context, sourceURL, destDir string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	res, err := f.runner.Run(attemptCtx, f.cfg.Binary, f.args(sourceURL, destDir)...)
	if err == nil {
		return nil
	}

	// Job cancellation is not a fetch failure; surface it untouched.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	stderr := res.Stderr
	if isUnrecoverable(stderr) {
		return fmt.Errorf("%w: %s", domain.ErrUnrecoverableFetch, firstLine(stderr))
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return retry.RetryableError(fmt.Errorf("fetch timed out after %s", f.cfg.AttemptTimeout))
	}

	logger.Warn.Printf("transient fetch failure (exit %d): %s", res.ExitCode, logger.SanitizeForLog(firstLine(stderr)))
	return retry.RetryableError(fmt.Errorf("yt-dlp exit %d: %s", res.ExitCode, firstLine(stderr)))
}

func (f *Fetcher) args(sourceURL, destDir string) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--newline",
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "64K",
		"--postprocessor-args", "ffmpeg:-ar 16000 -ac 1",
		"--socket-timeout", "60",
		// Retry policy lives here, not in the tool.
		"--retries", "0",
		"--fragment-retries", "0",
		"-o", filepath.Join(destDir, outputPrefix+"%(title)s.%(ext)s"),
	}
	if f.cfg.MaxRate != "" {
		args = append(args, "--limit-rate", f.cfg.MaxRate)
	}
	if f.cfg.CookiesFile != "" {
		args = append(args, "--cookies", f.cfg.CookiesFile)
	}
	if f.cfg.ProxyURL != "" {
		args = append(args, "--proxy", f.cfg.ProxyURL)
	}
	return append(args, sourceURL)
}

// collect locates the single media file yt-dlp is expected to leave behind.
func (f *Fetcher) collect(destDir string) (domain.FetchResult, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("scan download dir: %w", err)
	}

	var path string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		// In-progress artifacts left by interrupted runs.
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		path = filepath.Join(destDir, name)
	}
	if path == "" {
		return domain.FetchResult{}, fmt.Errorf("%w: no media file in %s", domain.ErrEmptyDownload, destDir)
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("stat download: %w", err)
	}
	if info.Size() == 0 {
		return domain.FetchResult{}, fmt.Errorf("%w: %s", domain.ErrEmptyDownload, filepath.Base(path))
	}

	return domain.FetchResult{
		Path:  path,
		Size:  info.Size(),
		Title: titleFromFilename(filepath.Base(path)),
	}, nil
}

// titleFromFilename recovers the media title embedded in the output template.
func titleFromFilename(name string) string {
	name = strings.TrimPrefix(name, outputPrefix)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Patterns yt-dlp emits for sources that will never succeed: retrying them
// only burns the budget.
var unrecoverablePatterns = []string{
	"Unsupported URL",
	"is not a valid URL",
	"Video unavailable",
	"Private video",
	"HTTP Error 401",
	"HTTP Error 403",
	"HTTP Error 404",
	"HTTP Error 410",
	"This video is not available",
}

func isUnrecoverable(stderr string) bool {
	for _, p := range unrecoverablePatterns {
		if strings.Contains(stderr, p) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ port.Fetcher = (*Fetcher)(nil)
