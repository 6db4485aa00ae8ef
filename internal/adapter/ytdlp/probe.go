package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Metadata is what the describe mode reports about a URL.
type Metadata struct {
	Title    string
	Filesize int64
	Duration float64
	Uploader string
}

// Probe runs the metadata-only describe mode: a single JSON dump with no
// download. The caller bounds it with the context.
func (r *Runner) Probe(ctx context.Context, url string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, r.binary, "-J", "--no-playlist", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s describe failed: %w: %s", r.binary, err, firstLine(stderr.String()))
	}

	var info struct {
		Title          string  `json:"title"`
		Filesize       int64   `json:"filesize"`
		FilesizeApprox int64   `json:"filesize_approx"`
		Duration       float64 `json:"duration"`
		Uploader       string  `json:"uploader"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("parse describe output: %w", err)
	}

	meta := &Metadata{
		Title:    info.Title,
		Filesize: info.Filesize,
		Duration: info.Duration,
		Uploader: info.Uploader,
	}
	if meta.Filesize == 0 {
		meta.Filesize = info.FilesizeApprox
	}
	return meta, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
