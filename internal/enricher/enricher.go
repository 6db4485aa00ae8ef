// Package enricher backfills job metadata. It probes URLs with the
// tool's describe mode on its own slow loop, so queued jobs get a title
// and active jobs a filesize without blocking the download path.
package enricher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/notify"
	"github.com/cwygoda/fetchd/internal/settings"
)

// Prober fetches metadata for a URL without downloading anything.
type Prober interface {
	Probe(ctx context.Context, url string) (*ytdlp.Metadata, error)
}

// Enricher probes eligible jobs and merges what it learns into their
// records. Every URL is probed at most once per process lifetime; a probe
// that fails or comes back empty is not retried, the job just stays
// unenriched.
type Enricher struct {
	svc      *domain.JobService
	settings *settings.Manager
	prober   Prober
	hub      *notify.Hub
	log      *logrus.Entry

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]struct{}
	probed   map[string]struct{}

	wg sync.WaitGroup
}

// New creates an enricher. The probe concurrency is fixed at
// construction from the current settings.
func New(svc *domain.JobService, cfg *settings.Manager, prober Prober, hub *notify.Hub, log *logrus.Entry) *Enricher {
	return &Enricher{
		svc:      svc,
		settings: cfg,
		prober:   prober,
		hub:      hub,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.Get().Enrich.Concurrency)),
		inflight: make(map[string]struct{}),
		probed:   make(map[string]struct{}),
	}
}

// Run loops until the context is cancelled, then waits for probes in
// flight. Interval and the enabled flag are read fresh every pass.
func (e *Enricher) Run(ctx context.Context) {
	e.log.Info("enricher started")
	for {
		interval := time.Duration(e.settings.Get().Enrich.IntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.log.Info("enricher stopped")
			return
		case <-time.After(interval):
		}
		e.tick(ctx)
	}
}

// tick starts probes for eligible jobs. The gate is never waited on; what
// cannot start now is picked up by a later tick.
func (e *Enricher) tick(ctx context.Context) {
	s := e.settings.Get().Enrich
	if !s.Enabled {
		return
	}
	timeout := time.Duration(s.TimeoutSeconds) * time.Second

	for _, job := range e.candidates(ctx) {
		if ctx.Err() != nil {
			return
		}
		if !e.claim(job.ID) {
			continue
		}
		if !e.sem.TryAcquire(1) {
			e.unclaim(job.ID)
			return
		}

		e.wg.Add(1)
		go func(job *domain.Job) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			defer e.unclaim(job.ID)
			e.enrich(ctx, job, timeout)
		}(job)
	}
}

// candidates lists jobs missing enrichable fields: queued jobs without a
// title, active jobs without a known filesize.
func (e *Enricher) candidates(ctx context.Context) []*domain.Job {
	var out []*domain.Job

	queued, err := e.svc.ListByState(ctx, domain.StateQueued)
	if err != nil {
		e.log.WithError(err).Warn("list queued jobs")
	} else {
		for _, j := range queued {
			if j.Title == "" && !e.skip(j.ID) {
				out = append(out, j)
			}
		}
	}

	active, err := e.svc.ListByState(ctx, domain.StateActive)
	if err != nil {
		e.log.WithError(err).Warn("list active jobs")
	} else {
		for _, j := range active {
			if _, ok := j.Metadata[domain.MetaFilesize]; !ok && !e.skip(j.ID) {
				out = append(out, j)
			}
		}
	}
	return out
}

// enrich probes one job. Eligibility is re-verified on the fresh record
// right before the probe and again after it, so a result that raced a
// download, a cancel or a manual edit is discarded instead of clobbering
// newer data.
func (e *Enricher) enrich(ctx context.Context, job *domain.Job, timeout time.Duration) {
	log := e.log.WithField("job", job.ID)

	cur, err := e.svc.Get(ctx, job.ID)
	if err != nil || !eligible(cur) {
		return
	}

	e.remember(job.ID)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	meta, err := e.prober.Probe(pctx, job.URL)
	if err != nil {
		log.WithError(err).Debug("no metadata")
		return
	}

	cur, err = e.svc.Get(ctx, job.ID)
	if err != nil || !eligible(cur) {
		return
	}

	var change domain.JobUpdate
	if cur.Title == "" && meta.Title != "" {
		change.Title = &meta.Title
	}
	md := make(map[string]any)
	if _, ok := cur.Metadata[domain.MetaFilesize]; !ok && meta.Filesize > 0 {
		md[domain.MetaFilesize] = meta.Filesize
	}
	if _, ok := cur.Metadata[domain.MetaDuration]; !ok && meta.Duration > 0 {
		md[domain.MetaDuration] = meta.Duration
	}
	if _, ok := cur.Metadata[domain.MetaUploader]; !ok && meta.Uploader != "" {
		md[domain.MetaUploader] = meta.Uploader
	}
	if change.Title == nil && len(md) == 0 {
		log.Debug("probe returned nothing usable")
		return
	}
	change.Metadata = md

	if _, err := e.svc.Update(ctx, job.ID, change); err != nil {
		log.WithError(err).Debug("enrichment lost")
		return
	}
	log.Info("metadata enriched")
	e.hub.Broadcast()
}

func eligible(j *domain.Job) bool {
	switch j.State {
	case domain.StateQueued:
		return j.Title == ""
	case domain.StateActive:
		_, ok := j.Metadata[domain.MetaFilesize]
		return !ok
	default:
		return false
	}
}

func (e *Enricher) skip(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return true
	}
	_, ok := e.probed[id]
	return ok
}

func (e *Enricher) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return false
	}
	if _, ok := e.probed[id]; ok {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Enricher) unclaim(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Enricher) remember(id string) {
	e.mu.Lock()
	e.probed[id] = struct{}{}
	e.mu.Unlock()
}
