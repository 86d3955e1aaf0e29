package analysis

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// VideoProbe reads stream metadata from video files with ffprobe.
type VideoProbe struct {
	// Binary defaults to "ffprobe" on PATH.
	Binary string
}

func (VideoProbe) Name() string { return "video-probe" }

func (VideoProbe) Supports(mediaType string) bool {
	return strings.HasPrefix(mediaType, "video/")
}

func (p VideoProbe) Run(ctx context.Context, in Input) (Output, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return Output{}, stageErr(p.Name(), CodeToolUnavailable, "%s not found in PATH: %v", bin, err)
	}

	// ffprobe wants a seekable file; the copy is removed before returning
	tmp, err := os.CreateTemp("", "probe-*")
	if err != nil {
		return Output{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(in.Content); err != nil {
		tmp.Close()
		return Output{}, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Output{}, fmt.Errorf("close temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration,codec_name",
		"-show_entries", "format=format_name",
		"-show_entries", "format_tags=creation_time,encoder",
		"-of", "default=noprint_wrappers=1",
		tmp.Name(),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, stageErr(p.Name(), CodeInvalidContent, "ffprobe failed: %v: %s", err, strings.TrimSpace(string(out)))
	}

	attrs := baseAttributes(in)
	parseProbe(string(out), attrs)
	summary := fmt.Sprintf("video %sx%s", attrs[AttrWidth], attrs[AttrHeight])
	if d, ok := attrs[AttrDuration]; ok {
		summary += ", " + d + "s"
	}
	return Output{Provider: p.Name(), Summary: summary, Attributes: attrs}, nil
}

func parseProbe(output string, attrs map[string]string) {
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || value == "" || value == "N/A" {
			continue
		}
		switch key {
		case "width":
			if _, err := strconv.Atoi(value); err == nil {
				attrs[AttrWidth] = value
			}
		case "height":
			if _, err := strconv.Atoi(value); err == nil {
				attrs[AttrHeight] = value
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				attrs[AttrDuration] = strconv.FormatFloat(d, 'f', 3, 64)
			}
		case "codec_name":
			attrs["codec"] = value
		case "format_name":
			attrs[AttrFormat] = value
		case "TAG:creation_time":
			attrs[AttrCreationDate] = value
		case "TAG:encoder":
			attrs[AttrProducer] = value
		}
	}
}
