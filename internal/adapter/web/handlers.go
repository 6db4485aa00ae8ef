package web

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/settings"
	"github.com/cwygoda/fetchd/internal/worker"
)

type submitRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// jobResponse is the JSON shape of a job. Active jobs embed their live
// download progress.
type jobResponse struct {
	ID         string           `json:"id"`
	URL        string           `json:"url"`
	Title      string           `json:"title,omitempty"`
	State      string           `json:"state"`
	RetryCount int              `json:"retryCount"`
	Timestamp  time.Time        `json:"timestamp"`
	SortOrder  int64            `json:"sortOrder"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Progress   *worker.Progress `json:"progress,omitempty"`
}

func jobToResponse(job *domain.Job, progress *worker.Progress) jobResponse {
	return jobResponse{
		ID:         job.ID,
		URL:        job.URL,
		Title:      job.Title,
		State:      string(job.State),
		RetryCount: job.RetryCount,
		Timestamp:  job.Timestamp,
		SortOrder:  job.SortOrder,
		Metadata:   job.Metadata,
		Progress:   progress,
	}
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "url is required")
	}

	job, err := s.svc.Submit(c.Context(), req.URL, domain.SubmitOptions{Title: req.Title})
	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		return fiber.NewError(fiber.StatusBadRequest, "invalid URL")
	case errors.Is(err, domain.ErrJobExists):
		return fiber.NewError(fiber.StatusConflict, "job already queued")
	case err != nil:
		return err
	}

	s.hub.Broadcast()
	return c.Status(fiber.StatusCreated).JSON(jobToResponse(job, nil))
}

func (s *Server) handleListJobs(c *fiber.Ctx) error {
	snap := s.downloads.Snapshot()

	out := make(map[string][]jobResponse, 3)
	for _, state := range []domain.State{domain.StateQueued, domain.StateActive, domain.StateFailed} {
		jobs, err := s.svc.ListByState(c.Context(), state)
		if err != nil {
			return err
		}
		entries := make([]jobResponse, 0, len(jobs))
		for _, job := range jobs {
			var progress *worker.Progress
			if job.State == domain.StateActive {
				if p, ok := snap[job.ID]; ok {
					progress = &p
				}
			}
			entries = append(entries, jobToResponse(job, progress))
		}
		out[string(state)] = entries
	}
	return c.JSON(out)
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	job, err := s.svc.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "job not found")
		}
		return err
	}

	var progress *worker.Progress
	if job.State == domain.StateActive {
		if p, ok := s.downloads.Progress(job.ID); ok {
			progress = &p
		}
	}
	return c.JSON(jobToResponse(job, progress))
}

// handleDeleteJob cancels a running download or removes the record for
// any other state.
func (s *Server) handleDeleteJob(c *fiber.Ctx) error {
	if err := s.downloads.Cancel(c.Context(), c.Params("id")); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "job not found")
		}
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRetryJob(c *fiber.Ctx) error {
	job, err := s.svc.Requeue(c.Context(), c.Params("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrNotRetryable):
		return fiber.NewError(fiber.StatusConflict, "job is not failed")
	case err != nil:
		return err
	}

	s.hub.Broadcast()
	return c.JSON(jobToResponse(job, nil))
}

func (s *Server) handleListNotifications(c *fiber.Ctx) error {
	return c.JSON(s.feed.List())
}

func (s *Server) handleClearNotifications(c *fiber.Ctx) error {
	if err := s.feed.Clear(); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.cfg.Get())
}

func (s *Server) handleUpdateSettings(c *fiber.Ctx) error {
	var req settings.Settings
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	applied, err := s.cfg.Update(req)
	if err != nil {
		return err
	}

	s.hub.Broadcast()
	return c.JSON(applied)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
