// Package ytdlp drives the external yt-dlp binary: building argument
// vectors from download preferences, supervising the process with a line
// stream of its output, and running the metadata-only describe mode.
package ytdlp

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// TitlePrefix marks lines emitted by the print hook so the output parser
// can pick the title out of the download stream.
const TitlePrefix = "title:"

// Runner invokes the downloader binary.
type Runner struct {
	binary string
	log    *logrus.Entry
}

// NewRunner creates a Runner for the given binary, defaulting to yt-dlp
// on PATH.
func NewRunner(binary string, log *logrus.Entry) *Runner {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Runner{binary: binary, log: log}
}

// Options describe a single download.
type Options struct {
	URL           string
	Dir           string  // directory in-progress files land in
	Quality       string  // height ceiling, "best" for none
	RateLimitMBps float64 // 0 means unlimited
	Subtitles     bool
	SubLangs      string
}

// buildArgs assembles the full argument vector. Retry and timeout
// hardening is pushed down to the tool itself, so transient network
// hiccups do not surface as job failures.
func buildArgs(opts Options) []string {
	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"--no-simulate",
		"--no-quiet",
		"--progress",
		"--print", "before_dl:" + TitlePrefix + "%(title)s",
		"--retries", "infinite",
		"--fragment-retries", "infinite",
		"--socket-timeout", "30",
		"-P", opts.Dir,
		"-o", "%(title).200B [%(id)s].%(ext)s",
		"-f", selectFormat(opts.Quality),
	}
	if opts.RateLimitMBps > 0 {
		args = append(args, "--limit-rate", formatRateLimit(opts.RateLimitMBps))
	}
	if opts.Subtitles {
		args = append(args,
			"--write-subs",
			"--write-auto-subs",
			"--sub-langs", normalizeSubLangs(opts.SubLangs),
			"--embed-subs",
		)
	}
	return append(args, opts.URL)
}

// selectFormat maps a quality ceiling onto a yt-dlp format selector chain:
// best video capped at the ceiling plus best audio, falling back to the
// best capped combined format.
func selectFormat(rawQuality string) string {
	quality := strings.ToLower(strings.TrimSpace(rawQuality))
	switch quality {
	case "", "best":
		return "bv*+ba/b"
	case "480", "480p":
		return capFormat(480)
	case "720", "720p", "sd":
		return capFormat(720)
	case "1080", "1080p", "hd":
		return capFormat(1080)
	case "1440", "1440p":
		return capFormat(1440)
	case "2160", "2160p", "4k":
		return capFormat(2160)
	default:
		return "bv*+ba/b"
	}
}

func capFormat(height int) string {
	return fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]", height, height)
}

func formatRateLimit(v float64) string {
	return fmt.Sprintf("%gM", v)
}

func normalizeSubLangs(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "", "english", "en":
		return "en.*,en,-live_chat"
	case "all":
		return "all,-live_chat"
	default:
		return raw
	}
}
