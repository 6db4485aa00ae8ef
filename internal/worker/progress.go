package worker

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
)

var (
	rePct    = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reOf     = regexp.MustCompile(`\bof\s+~?\s*([^\s]+)`)
	reSpeed  = regexp.MustCompile(`\bat\s+([^\s]+)`)
	reETA    = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reFrag   = regexp.MustCompile(`\(frag\s+([0-9]+)/([0-9]+)\)`)
	reDest   = regexp.MustCompile(`^\[download\]\s+Destination:\s+(.+)$`)
	reDone   = regexp.MustCompile(`^\[download\]\s+(.+?)\s+has already been downloaded`)
	reMerger = regexp.MustCompile(`^\[Merger\]\s+Merging formats into\s+"(.+)"`)
)

// Progress is the parsed download state of one job, fed from the tool's
// stdout and served to the API as-is.
type Progress struct {
	Percent   float64 `json:"percent"`
	TotalSize string  `json:"totalSize,omitempty"`
	Speed     string  `json:"speed,omitempty"`
	ETA       string  `json:"eta,omitempty"`
	FragIndex int     `json:"fragIndex,omitempty"`
	FragCount int     `json:"fragCount,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	Title     string  `json:"title,omitempty"`
}

// ParseLine folds one output line into the progress state. The second
// return reports whether anything changed; lines that carry nothing of
// interest leave the state untouched. Filenames are reduced to their base
// name since the directory part is the working dir.
func ParseLine(cur Progress, line string) (Progress, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return cur, false
	}
	next := cur

	switch {
	case strings.HasPrefix(l, ytdlp.TitlePrefix):
		next.Title = strings.TrimSpace(strings.TrimPrefix(l, ytdlp.TitlePrefix))

	case strings.HasPrefix(l, "[download]"):
		if m := reDest.FindStringSubmatch(l); len(m) > 1 {
			next.Filename = filepath.Base(strings.TrimSpace(m[1]))
			break
		}
		if m := reDone.FindStringSubmatch(l); len(m) > 1 {
			next.Filename = filepath.Base(strings.TrimSpace(m[1]))
			next.Percent = 100
			break
		}
		m := rePct.FindStringSubmatch(l)
		if len(m) < 2 {
			break
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			next.Percent = v
		}
		// Size, speed and ETA only ever appear on percent lines; retry
		// notices also contain "of" and must not bleed in here.
		if m := reOf.FindStringSubmatch(l); len(m) > 1 {
			next.TotalSize = m[1]
		}
		if m := reSpeed.FindStringSubmatch(l); len(m) > 1 && m[1] != "Unknown" {
			next.Speed = m[1]
		}
		if m := reETA.FindStringSubmatch(l); len(m) > 1 {
			next.ETA = m[1]
		}
		if m := reFrag.FindStringSubmatch(l); len(m) > 2 {
			if i, err := strconv.Atoi(m[1]); err == nil {
				next.FragIndex = i
			}
			if n, err := strconv.Atoi(m[2]); err == nil {
				next.FragCount = n
			}
		}

	case strings.HasPrefix(l, "[Merger]"):
		if m := reMerger.FindStringSubmatch(l); len(m) > 1 {
			next.Filename = filepath.Base(strings.TrimSpace(m[1]))
		}
	}

	return next, next != cur
}
