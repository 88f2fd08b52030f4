// Package httpapi exposes the one in-scope HTTP surface of this
// deployment: a Server-Sent-Events stream of the bus's StoreEvents.
// It reproduces the original server's handle_sse_stream loop (an
// initial "connected" event, a 5-second receive timeout, and a
// 20-second idle heartbeat) but delegates header/flush/event-framing
// mechanics to gin's c.SSEvent/c.Writer.Flush rather than hand-rolled
// chunked-encoding byte writes, since gin already owns that
// responsibility idiomatically in Go.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"cxdb/eventbus"
)

const (
	recvTimeout       = 5 * time.Second
	heartbeatInterval = 20 * time.Second
)

// Server wires the event bus to HTTP handlers.
type Server struct {
	bus *eventbus.Bus
}

// New returns a Server broadcasting events from bus.
func New(bus *eventbus.Bus) *Server {
	return &Server{bus: bus}
}

// Register mounts this server's routes onto r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/v1/events", s.handleEventStream)
	r.GET("/healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleEventStream streams every StoreEvent published after the
// client connects, until the client disconnects or the request
// context is canceled. A connected event is sent immediately so a
// client can distinguish "stream open, nothing has happened yet" from
// a stalled connection; absent any real event for heartbeatInterval,
// a comment-only heartbeat is sent to keep intermediaries from timing
// the connection out.
func (s *Server) handleEventStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	clientGone := c.Request.Context().Done()

	c.SSEvent("connected", gin.H{})
	c.Writer.Flush()

	lastHeartbeat := time.Now()
	timer := time.NewTimer(recvTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(recvTimeout)

		select {
		case <-clientGone:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			name, data, err := event.ToSSE()
			if err != nil {
				log.Error().Err(err).Msg("httpapi: failed to encode event for sse")
				continue
			}
			c.SSEvent(name, data)
			c.Writer.Flush()
			lastHeartbeat = time.Now()
		case <-timer.C:
			if time.Since(lastHeartbeat) >= heartbeatInterval {
				if _, err := c.Writer.WriteString(":heartbeat\n\n"); err != nil {
					return
				}
				c.Writer.Flush()
				lastHeartbeat = time.Now()
			}
		}
	}
}
