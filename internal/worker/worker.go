// Package worker runs the download queue: it polls for queued jobs,
// claims them, supervises one yt-dlp process per job and settles the
// outcome back into the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/notify"
	"github.com/cwygoda/fetchd/internal/settings"
)

// stopGrace is how long a stopped process gets to wind down on interrupt
// before it is killed.
const stopGrace = 3 * time.Second

// broadcastWindow rations per-job progress hints.
const broadcastWindow = time.Second

// Handle is a running download process.
type Handle interface {
	Lines() <-chan string
	Wait() error
	Stop(grace time.Duration)
}

// Launcher spawns download processes.
type Launcher interface {
	Start(ctx context.Context, opts ytdlp.Options) (Handle, error)
}

// NewLauncher adapts the yt-dlp runner to the Launcher interface.
func NewLauncher(r *ytdlp.Runner) Launcher {
	return runnerLauncher{r}
}

type runnerLauncher struct {
	r *ytdlp.Runner
}

func (l runnerLauncher) Start(ctx context.Context, opts ytdlp.Options) (Handle, error) {
	return l.r.Start(ctx, opts)
}

// Config wires the worker's collaborators.
type Config struct {
	Service  *domain.JobService
	Settings *settings.Manager
	Launcher Launcher
	Feed     *notify.Log
	Hub      *notify.Hub
	Log      *logrus.Entry

	// WorkDir is where in-progress downloads land, MediaDir where
	// finished files are moved to.
	WorkDir  string
	MediaDir string

	PollInterval time.Duration
	DrainWait    time.Duration
}

type track struct {
	handle  Handle
	started time.Time
}

// Worker polls for queued jobs and downloads them, bounded by the
// concurrency setting.
type Worker struct {
	svc      *domain.JobService
	settings *settings.Manager
	launcher Launcher
	feed     *notify.Log
	hub      *notify.Hub
	log      *logrus.Entry

	workDir      string
	mediaDir     string
	pollInterval time.Duration
	drainWait    time.Duration

	mu        sync.Mutex
	active    map[string]*track
	cancelled map[string]struct{}
	progress  map[string]Progress
	emit      *throttle
	wg        sync.WaitGroup
}

// New creates a new worker.
func New(cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 30 * time.Second
	}
	return &Worker{
		svc:          cfg.Service,
		settings:     cfg.Settings,
		launcher:     cfg.Launcher,
		feed:         cfg.Feed,
		hub:          cfg.Hub,
		log:          cfg.Log,
		workDir:      cfg.WorkDir,
		mediaDir:     cfg.MediaDir,
		pollInterval: cfg.PollInterval,
		drainWait:    cfg.DrainWait,
		active:       make(map[string]*track),
		cancelled:    make(map[string]struct{}),
		progress:     make(map[string]Progress),
		emit:         newThrottle(broadcastWindow),
	}
}

// Run polls until the context is cancelled, then drains in-flight
// downloads. Downloads run on their own context so cancelling the poll
// loop does not kill them mid-file.
func (w *Worker) Run(ctx context.Context) {
	dctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.log.WithField("interval", w.pollInterval).Info("worker started")
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.log.Info("worker stopped")
			return
		case <-ticker.C:
			w.poll(dctx)
		}
	}
}

// poll fills free download slots from the queue. The concurrency limit is
// read fresh each tick so settings changes apply without a restart.
func (w *Worker) poll(ctx context.Context) {
	limit := w.settings.Get().Concurrency
	w.mu.Lock()
	slots := limit - len(w.active)
	w.mu.Unlock()
	if slots <= 0 {
		return
	}

	jobs, err := w.svc.ListByState(ctx, domain.StateQueued)
	if err != nil {
		w.log.WithError(err).Error("list queued jobs")
		return
	}

	for _, job := range jobs {
		if slots <= 0 || ctx.Err() != nil {
			return
		}
		// A job re-queued by the failure path can linger in the queue
		// while its exit handler still holds bookkeeping.
		if w.tracked(job.ID) {
			continue
		}
		if w.start(ctx, job) {
			slots--
		}
	}
}

// start claims one queued job and spawns its download. Returns false when
// the job could not be claimed or spawned.
func (w *Worker) start(ctx context.Context, job *domain.Job) bool {
	log := w.log.WithField("job", job.ID)

	if _, err := w.svc.Move(ctx, job.ID, domain.StateActive); err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			log.WithError(err).Error("claim job")
		}
		return false
	}

	s := w.settings.Get()
	handle, err := w.launcher.Start(ctx, ytdlp.Options{
		URL:           job.URL,
		Dir:           w.workDir,
		Quality:       s.Quality,
		RateLimitMBps: s.RateLimitMBps,
		Subtitles:     s.Subtitles.Enabled,
		SubLangs:      s.Subtitles.Langs,
	})
	if err != nil {
		log.WithError(err).Error("spawn download")
		w.fail(ctx, job.ID, fmt.Errorf("spawn download: %w", err))
		return false
	}

	w.mu.Lock()
	w.active[job.ID] = &track{handle: handle, started: time.Now()}
	w.mu.Unlock()

	log.WithField("url", job.URL).Info("download started")
	w.hub.Broadcast()

	w.wg.Add(1)
	go w.supervise(ctx, job.ID, handle)
	return true
}

// supervise consumes the process output until exit and settles the job.
// Bookkeeping is released on every path so repeated jobs cannot leak.
func (w *Worker) supervise(ctx context.Context, id string, handle Handle) {
	defer w.wg.Done()
	defer w.release(id)

	for line := range handle.Lines() {
		w.observe(id, line)
	}

	err := handle.Wait()
	if err == nil {
		w.finish(ctx, id)
		return
	}

	if w.wasCancelled(id) {
		w.log.WithField("job", id).Info("download cancelled")
		return
	}
	w.log.WithError(err).WithField("job", id).Warn("download failed")
	w.fail(ctx, id, err)
}

// observe folds one output line into the job's progress and emits a
// throttled change hint. The first filename sighting goes out
// immediately so the UI can show what is being written without waiting a
// full window.
func (w *Worker) observe(id, line string) {
	w.mu.Lock()
	cur := w.progress[id]
	next, changed := ParseLine(cur, line)
	if !changed {
		w.mu.Unlock()
		return
	}
	w.progress[id] = next
	urgent := cur.Filename == "" && next.Filename != ""
	w.mu.Unlock()

	if w.emit.allow(id, time.Now(), urgent) {
		w.hub.Broadcast()
	}
}

// finish settles a successful download: persist a learned title, archive
// the record, move the files into the media library, notify, and drop the
// record.
func (w *Worker) finish(ctx context.Context, id string) {
	log := w.log.WithField("job", id)

	job, err := w.svc.Get(ctx, id)
	if err != nil {
		// Cancelled in the last moment; nothing left to settle.
		log.WithError(err).Info("finished job gone")
		return
	}

	title := job.Title
	if prog, ok := w.Progress(id); ok && prog.Title != "" && title == "" {
		title = prog.Title
		if _, err := w.svc.Update(ctx, id, domain.JobUpdate{Title: &title}); err != nil {
			log.WithError(err).Warn("store learned title")
		}
	}

	if _, err := w.svc.Move(ctx, id, domain.StateFinished); err != nil {
		log.WithError(err).Error("finish job")
		return
	}

	moved, err := ytdlp.MoveDownloads(w.workDir, w.mediaDir)
	if err != nil {
		log.WithError(err).Warn("move downloads")
	} else if len(moved) > 0 {
		log.WithField("files", len(moved)).Info("moved downloads to media dir")
	}

	if title == "" {
		title = job.URL
	}
	if _, err := w.feed.Append(notify.Notification{
		Type:  notify.TypeDownloadComplete,
		JobID: id,
		Title: title,
	}); err != nil {
		log.WithError(err).Warn("append notification")
	}

	if err := w.svc.Delete(ctx, id); err != nil {
		log.WithError(err).Warn("drop finished job")
	}

	log.WithField("title", title).Info("download finished")
	w.hub.Broadcast()
}

// fail routes the job through the retry budget and notifies when it is
// spent for good.
func (w *Worker) fail(ctx context.Context, id string, cause error) {
	job, err := w.svc.RecordFailure(ctx, id, cause)
	if err != nil {
		w.log.WithError(err).WithField("job", id).Error("record failure")
		return
	}

	if job.State == domain.StateFailed {
		title := job.Title
		if title == "" {
			title = job.URL
		}
		if _, err := w.feed.Append(notify.Notification{
			Type:    notify.TypeDownloadFailed,
			JobID:   id,
			Title:   title,
			Message: cause.Error(),
		}); err != nil {
			w.log.WithError(err).WithField("job", id).Warn("append notification")
		}
	}
	w.hub.Broadcast()
}

// Cancel aborts a job. A running download is marked cancelled before its
// process is stopped, so the exit handler does not count the kill as a
// retryable failure. Partial files newer than the download start are
// swept from the working dir, best effort.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	w.mu.Lock()
	t, running := w.active[id]
	if running {
		w.cancelled[id] = struct{}{}
	}
	w.mu.Unlock()

	if running {
		t.handle.Stop(stopGrace)
		if removed, err := ytdlp.RemoveRecent(w.workDir, t.started); err != nil {
			w.log.WithError(err).WithField("job", id).Warn("sweep partial files")
		} else if len(removed) > 0 {
			w.log.WithFields(logrus.Fields{"job": id, "files": len(removed)}).Info("swept partial files")
		}
	}

	if err := w.svc.Delete(ctx, id); err != nil {
		return err
	}
	w.log.WithField("job", id).Info("job cancelled")
	w.hub.Broadcast()
	return nil
}

// Progress returns the tracked progress of one job.
func (w *Worker) Progress(id string) (Progress, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.progress[id]
	return p, ok
}

// Snapshot returns the progress of all tracked jobs.
func (w *Worker) Snapshot() map[string]Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Progress, len(w.progress))
	for id, p := range w.progress {
		out[id] = p
	}
	return out
}

func (w *Worker) tracked(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[id]
	return ok
}

func (w *Worker) wasCancelled(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cancelled[id]
	return ok
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.active, id)
	delete(w.progress, id)
	delete(w.cancelled, id)
	w.mu.Unlock()
	w.emit.forget(id)
}

// drain waits for in-flight downloads, stopping whatever is still running
// past the deadline. Stopped jobs go through the regular failure path and
// re-queue, the same as crash recovery on the next start.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(w.drainWait):
	}

	w.mu.Lock()
	handles := make(map[string]Handle, len(w.active))
	for id, t := range w.active {
		handles[id] = t.handle
	}
	w.mu.Unlock()

	for id, h := range handles {
		w.log.WithField("job", id).Warn("stopping download past drain deadline")
		h.Stop(stopGrace)
	}
	<-done
}
