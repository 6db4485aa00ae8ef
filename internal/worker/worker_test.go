package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/fetchd/internal/adapter/fsstore"
	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/notify"
	"github.com/cwygoda/fetchd/internal/settings"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeHandle scripts the lifecycle of one download process.
type fakeHandle struct {
	lines chan string
	exit  chan error
	once  sync.Once

	mu      sync.Mutex
	stopped bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{lines: make(chan string, 64), exit: make(chan error, 1)}
}

func (h *fakeHandle) feed(lines ...string) {
	for _, l := range lines {
		h.lines <- l
	}
}

// finish closes the line stream and sets the exit result.
func (h *fakeHandle) finish(err error) {
	h.once.Do(func() {
		close(h.lines)
		h.exit <- err
	})
}

func (h *fakeHandle) Lines() <-chan string { return h.lines }
func (h *fakeHandle) Wait() error          { return <-h.exit }

func (h *fakeHandle) Stop(time.Duration) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.finish(errors.New("interrupted"))
}

func (h *fakeHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// fakeLauncher hands out scripted handles by URL.
type fakeLauncher struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	errs    map[string]error
	started []ytdlp.Options
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[string]*fakeHandle), errs: make(map[string]error)}
}

func (f *fakeLauncher) script(url string) *fakeHandle {
	h := newFakeHandle()
	f.mu.Lock()
	f.handles[url] = h
	f.mu.Unlock()
	return h
}

func (f *fakeLauncher) failWith(url string, err error) {
	f.mu.Lock()
	f.errs[url] = err
	f.mu.Unlock()
}

func (f *fakeLauncher) Start(_ context.Context, opts ytdlp.Options) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts)
	if err, ok := f.errs[opts.URL]; ok {
		return nil, err
	}
	h, ok := f.handles[opts.URL]
	if !ok {
		return nil, errors.New("no handle scripted for " + opts.URL)
	}
	return h, nil
}

func (f *fakeLauncher) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// harness wires a worker to real collaborators over temp dirs.
type harness struct {
	w        *Worker
	svc      *domain.JobService
	cfg      *settings.Manager
	launcher *fakeLauncher
	feed     *notify.Log
	hub      *notify.Hub
	workDir  string
	mediaDir string
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	log := testLogger()

	store, err := fsstore.New(filepath.Join(t.TempDir(), "jobs"), log)
	require.NoError(t, err)
	svc := domain.NewJobService(store, maxRetries)

	cfg, err := settings.Load(filepath.Join(t.TempDir(), "settings.toml"))
	require.NoError(t, err)

	h := &harness{
		svc:      svc,
		cfg:      cfg,
		launcher: newFakeLauncher(),
		feed:     notify.NewLog(filepath.Join(t.TempDir(), "notifications.json"), log),
		hub:      notify.NewHub(),
		workDir:  t.TempDir(),
		mediaDir: t.TempDir(),
	}
	h.w = New(Config{
		Service:      svc,
		Settings:     cfg,
		Launcher:     h.launcher,
		Feed:         h.feed,
		Hub:          h.hub,
		Log:          log,
		WorkDir:      h.workDir,
		MediaDir:     h.mediaDir,
		PollInterval: 10 * time.Millisecond,
		DrainWait:    200 * time.Millisecond,
	})
	return h
}

func (h *harness) submit(t *testing.T, url string, opts domain.SubmitOptions) *domain.Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), url, opts)
	require.NoError(t, err)
	return job
}

func (h *harness) gone(id string) bool {
	_, err := h.svc.Get(context.Background(), id)
	return errors.Is(err, domain.ErrJobNotFound)
}

func (h *harness) inState(id string, state domain.State) bool {
	job, err := h.svc.Get(context.Background(), id)
	return err == nil && job.State == state
}

func TestWorker_DownloadSuccess(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	outFile := filepath.Join(h.workDir, "Video [x1].mkv")
	require.NoError(t, os.WriteFile(outFile, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(outFile+".part", []byte("partial"), 0o644))

	hints, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	h.w.poll(ctx)
	handle.feed(
		"title:Test Video",
		"[download] Destination: "+outFile,
		"[download] 100% of 4.00MiB in 00:00:01 at 4.00MiB/s",
	)
	handle.finish(nil)

	require.Eventually(t, func() bool { return h.gone(job.ID) }, 2*time.Second, 5*time.Millisecond)

	assert.FileExists(t, filepath.Join(h.mediaDir, "Video [x1].mkv"))
	assert.NoFileExists(t, filepath.Join(h.mediaDir, "Video [x1].mkv.part"), "partial artifacts stay behind")

	entries := h.feed.List()
	require.Len(t, entries, 1)
	assert.Equal(t, notify.TypeDownloadComplete, entries[0].Type)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, "Test Video", entries[0].Title)

	select {
	case <-hints:
	default:
		t.Error("expected a change hint")
	}

	require.Eventually(t, func() bool {
		_, ok := h.w.Progress(job.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "bookkeeping must be released")
}

func TestWorker_FailureRequeues(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	h.w.poll(ctx)
	handle.feed("[download]  10.0% of 4.00MiB at 1.00MiB/s ETA 00:03")
	handle.finish(errors.New("yt-dlp: exit status 1"))

	require.Eventually(t, func() bool { return h.inState(job.ID, domain.StateQueued) },
		2*time.Second, 5*time.Millisecond)

	got, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "yt-dlp: exit status 1", got.Metadata[domain.MetaError])
	assert.Empty(t, h.feed.List(), "retryable failures do not notify")
}

func TestWorker_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	h.w.poll(ctx)
	handle.finish(errors.New("boom"))

	require.Eventually(t, func() bool { return h.inState(job.ID, domain.StateFailed) },
		2*time.Second, 5*time.Millisecond)

	entries := h.feed.List()
	require.Len(t, entries, 1)
	assert.Equal(t, notify.TypeDownloadFailed, entries[0].Type)
	assert.Equal(t, "boom", entries[0].Message)
}

func TestWorker_SpawnFailureRequeues(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	h.launcher.failWith(job.URL, errors.New("yt-dlp: executable not found"))

	h.w.poll(ctx)

	got, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestWorker_Cancel(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	h.w.poll(ctx)
	require.Eventually(t, func() bool { return h.w.tracked(job.ID) }, 2*time.Second, 5*time.Millisecond)

	partial := filepath.Join(h.workDir, "Video [x1].f137.mp4.part")
	require.NoError(t, os.WriteFile(partial, []byte("partial"), 0o644))

	require.NoError(t, h.w.Cancel(ctx, job.ID))

	assert.True(t, handle.wasStopped())
	assert.True(t, h.gone(job.ID))
	assert.NoFileExists(t, partial)

	// The late exit handler must not resurrect the job.
	require.Eventually(t, func() bool { return !h.w.tracked(job.ID) }, 2*time.Second, 5*time.Millisecond)
	for _, state := range domain.States {
		jobs, err := h.svc.ListByState(ctx, state)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	}
	assert.Empty(t, h.feed.List())
}

func TestWorker_CancelQueued(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})

	require.NoError(t, h.w.Cancel(ctx, job.ID))
	assert.True(t, h.gone(job.ID))
	assert.Equal(t, 0, h.launcher.startCount())
}

func TestWorker_CancelUnknown(t *testing.T) {
	h := newHarness(t, 3)

	err := h.w.Cancel(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestWorker_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	s := h.cfg.Get()
	s.Concurrency = 1
	_, err := h.cfg.Update(s)
	require.NoError(t, err)

	j1 := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{SortOrder: 1})
	j2 := h.submit(t, "https://example.com/v/2", domain.SubmitOptions{SortOrder: 2})
	h1 := h.launcher.script(j1.URL)
	h2 := h.launcher.script(j2.URL)

	h.w.poll(ctx)
	assert.Equal(t, 1, h.launcher.startCount())
	h.w.poll(ctx)
	assert.Equal(t, 1, h.launcher.startCount(), "slot is taken")

	s.Concurrency = 2
	_, err = h.cfg.Update(s)
	require.NoError(t, err)

	h.w.poll(ctx)
	assert.Equal(t, 2, h.launcher.startCount(), "limit change applies on the next poll")

	h1.finish(nil)
	h2.finish(nil)
	require.Eventually(t, func() bool {
		return !h.w.tracked(j1.ID) && !h.w.tracked(j2.ID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_PollSkipsTrackedJobs(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})

	h.w.mu.Lock()
	h.w.active[job.ID] = &track{handle: newFakeHandle(), started: time.Now()}
	h.w.mu.Unlock()

	h.w.poll(ctx)
	assert.Equal(t, 0, h.launcher.startCount())
	assert.True(t, h.inState(job.ID, domain.StateQueued))

	h.w.release(job.ID)
}

func TestWorker_ProgressTracking(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	h.w.poll(ctx)
	handle.feed(
		"title:Test Video",
		"[download] Destination: /work/Test_Video [x1].mp4",
		"[download]  45.3% of 10.00MiB at 1.00MiB/s ETA 00:05",
	)

	require.Eventually(t, func() bool {
		p, ok := h.w.Progress(job.ID)
		return ok && p.Percent == 45.3
	}, 2*time.Second, 5*time.Millisecond)

	p, ok := h.w.Progress(job.ID)
	require.True(t, ok)
	assert.Equal(t, "Test Video", p.Title)
	assert.Equal(t, "Test_Video [x1].mp4", p.Filename)
	assert.Equal(t, "10.00MiB", p.TotalSize)
	assert.Equal(t, "1.00MiB/s", p.Speed)
	assert.Equal(t, "00:05", p.ETA)

	snap := h.w.Snapshot()
	assert.Contains(t, snap, job.ID)

	handle.finish(nil)
	require.Eventually(t, func() bool { return h.gone(job.ID) }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RunDrainStopsStragglers(t *testing.T) {
	h := newHarness(t, 3)

	job := h.submit(t, "https://example.com/v/1", domain.SubmitOptions{})
	handle := h.launcher.script(job.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.w.tracked(job.ID) }, 2*time.Second, 5*time.Millisecond)

	// The handle never finishes on its own; the drain deadline must stop it.
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}

	assert.True(t, handle.wasStopped())

	got, err := h.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State, "stopped download re-queues like crash recovery")
	assert.Equal(t, 1, got.RetryCount)
}
