package ytdlp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Proc is a running download. Lines streams the process output one line at
// a time; Wait blocks until the process has exited and both pipes are
// drained. Every Proc must be Waited on so the child is always harvested.
type Proc struct {
	cmd    *exec.Cmd
	lines  chan string
	exited chan struct{}
	err    error
}

// Start spawns a download. The returned Proc's line stream carries both
// stdout and stderr, since the tool reports progress on stdout and errors
// on stderr and the caller wants to see both in order of arrival.
func (r *Runner) Start(ctx context.Context, opts Options) (*Proc, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("download URL is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary, buildArgs(opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}
	r.log.WithField("url", opts.URL).Debug("downloader spawned")

	p := &Proc{
		cmd:    cmd,
		lines:  make(chan string, 64),
		exited: make(chan struct{}),
	}
	go p.pump(stdout, stderr)
	return p, nil
}

// Lines returns the output stream. The channel closes once the process is
// done and the pipes are drained.
func (p *Proc) Lines() <-chan string {
	return p.lines
}

// Wait blocks until the process exits and returns its final status.
func (p *Proc) Wait() error {
	<-p.exited
	return p.err
}

// Stop asks the process to exit, escalating to a hard kill after the
// grace period.
func (p *Proc) Stop(grace time.Duration) {
	p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
	case <-time.After(grace):
		p.cmd.Process.Kill()
	}
}

func (p *Proc) pump(stdout, stderr io.Reader) {
	var errTail tail
	var wg sync.WaitGroup

	read := func(r io.Reader, keepTail bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if keepTail {
				errTail.append(line)
			}
			p.lines <- line
		}
	}

	wg.Add(2)
	go read(stdout, false)
	go read(stderr, true)
	wg.Wait()
	close(p.lines)

	if err := p.cmd.Wait(); err != nil {
		msg := errTail.String()
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		p.err = err
	}
	close(p.exited)
}

// splitByNewlineOrCR treats carriage returns as line breaks too, so the
// tool's in-place progress rewrites arrive as individual lines instead of
// piling up in the scanner buffer.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last few stderr lines for error reporting.
type tail struct {
	mu    sync.Mutex
	lines []string
}

func (t *tail) append(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > 5 {
		t.lines = t.lines[len(t.lines)-5:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
