package web

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

const keepaliveInterval = 15 * time.Second

// handleEvents streams change hints as server-sent events. The payload
// carries no data; clients re-fetch whatever they display. Keepalive
// comments keep proxies from idling the connection out, and a failed
// flush means the client is gone.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	hints, unsubscribe := s.hub.Subscribe()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if !writeEvent(w, "change") {
			return
		}

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-hints:
				if !writeEvent(w, "change") {
					return
				}
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, event string) bool {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", event); err != nil {
		return false
	}
	return w.Flush() == nil
}
