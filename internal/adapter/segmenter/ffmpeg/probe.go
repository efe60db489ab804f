package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/segmentd/internal/domain"
)

// Containers the pipeline accepts. ffprobe reports format_name as a
// comma-separated list of demuxer aliases, so membership is checked per
// alias.
var supportedFormats = map[string]bool{
	"mp3":      true,
	"mp4":      true,
	"mov":      true,
	"m4a":      true,
	"3gp":      true,
	"matroska": true,
	"webm":     true,
	"ogg":      true,
	"wav":      true,
	"flac":     true,
	"aac":      true,
	"mpegts":   true,
}

type probeInfo struct {
	FormatName string
	Duration   float64
	HasAudio   bool
}

func (s *Segmenter) probe(ctx context.Context, inputPath string) (probeInfo, error) {
	res, err := s.runner.Run(ctx, s.cfg.FfprobeBinary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	)
	if err != nil {
		return probeInfo{}, fmt.Errorf("%w: ffprobe: %s", domain.ErrTranscodeFailed, firstLine(res.Stderr))
	}

	var probe struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &probe); err != nil {
		return probeInfo{}, fmt.Errorf("%w: parse ffprobe output: %v", domain.ErrTranscodeFailed, err)
	}

	info := probeInfo{FormatName: probe.Format.FormatName}
	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	for _, st := range probe.Streams {
		if st.CodecType == "audio" {
			info.HasAudio = true
		}
	}
	return info, nil
}

func formatSupported(formatName string) bool {
	for _, alias := range strings.Split(formatName, ",") {
		if supportedFormats[strings.TrimSpace(alias)] {
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
