package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type SegmentPolicy string

const (
	PolicyDuration SegmentPolicy = "duration"
	PolicySilence  SegmentPolicy = "silence"
)

type Config struct {
	Port int

	// Filesystem roots. Pre-created by the deployment environment; each job
	// gets its own subtree under downloads and segments.
	UploadDir   string
	SegmentDir  string
	DownloadDir string

	Workers       int
	MinFreeBytes  int64
	JobTTL        time.Duration
	SegmentSecs   int
	SegmentPolicy SegmentPolicy

	FetchTimeout time.Duration
	FetchRetries int
	FetchMaxRate string
	CookiesFile  string
	ProxyURL     string

	YtdlpPath   string
	FfmpegPath  string
	FfprobePath string
}

func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	workers, err := strconv.Atoi(getEnv("WORKERS", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid WORKERS: %w", err)
	}

	minFreeMB, err := strconv.Atoi(getEnv("MIN_FREE_MB", "512"))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_FREE_MB: %w", err)
	}

	ttlHours, err := strconv.Atoi(getEnv("JOB_TTL_HOURS", "24"))
	if err != nil {
		return nil, fmt.Errorf("invalid JOB_TTL_HOURS: %w", err)
	}

	segmentSecs, err := strconv.Atoi(getEnv("SEGMENT_SECONDS", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid SEGMENT_SECONDS: %w", err)
	}
	if segmentSecs <= 0 {
		return nil, fmt.Errorf("SEGMENT_SECONDS must be positive")
	}

	policy := SegmentPolicy(getEnv("SEGMENT_POLICY", string(PolicyDuration)))
	if policy != PolicyDuration && policy != PolicySilence {
		return nil, fmt.Errorf("invalid SEGMENT_POLICY: %q", policy)
	}

	fetchTimeoutSecs, err := strconv.Atoi(getEnv("FETCH_TIMEOUT_SECONDS", "300"))
	if err != nil {
		return nil, fmt.Errorf("invalid FETCH_TIMEOUT_SECONDS: %w", err)
	}

	fetchRetries, err := strconv.Atoi(getEnv("FETCH_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid FETCH_RETRIES: %w", err)
	}

	dataDir := getEnv("DATA_DIR", "/data")

	return &Config{
		Port:          port,
		UploadDir:     getEnv("UPLOAD_DIR", filepath.Join(dataDir, "uploads")),
		SegmentDir:    getEnv("SEGMENT_DIR", filepath.Join(dataDir, "segments")),
		DownloadDir:   getEnv("DOWNLOAD_DIR", filepath.Join(dataDir, "downloads")),
		Workers:       workers,
		MinFreeBytes:  int64(minFreeMB) * 1024 * 1024,
		JobTTL:        time.Duration(ttlHours) * time.Hour,
		SegmentSecs:   segmentSecs,
		SegmentPolicy: policy,
		FetchTimeout:  time.Duration(fetchTimeoutSecs) * time.Second,
		FetchRetries:  fetchRetries,
		FetchMaxRate:  os.Getenv("FETCH_MAX_RATE"),
		CookiesFile:   os.Getenv("COOKIES_FILE"),
		ProxyURL:      os.Getenv("PROXY_URL"),
		YtdlpPath:     getEnv("YTDLP_PATH", "yt-dlp"),
		FfmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
		FfprobePath:   getEnv("FFPROBE_PATH", "ffprobe"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
