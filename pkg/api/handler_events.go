package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
)

const (
	// eventReplayWindow bounds catch-up for subscribers without a cursor.
	eventReplayWindow = 200

	heartbeatInterval = 15 * time.Second
)

// streamEvents serves the run's event feed over SSE. ?after_seq=N
// replays everything past the cursor, ?once=1 returns the backlog and
// closes instead of staying live.
func (s *Server) streamEvents(c *gin.Context) {
	run, ok := s.requireRun(c)
	if !ok {
		return
	}
	once := c.Query("once") == "1"

	var backlog []*models.Event
	var err error
	if cursor := c.Query("after_seq"); cursor != "" {
		afterSeq, parseErr := strconv.ParseInt(cursor, 10, 64)
		if parseErr != nil {
			fail(c, http.StatusBadRequest, "after_seq must be an integer")
			return
		}
		backlog, err = s.bus.ReplayAfter(c.Request.Context(), run.ID, afterSeq)
	} else {
		backlog, err = s.bus.Replay(c.Request.Context(), run.ID, eventReplayWindow)
	}
	if err != nil {
		mapServiceError(c, err, detailRunNotFound)
		return
	}

	// Subscribe before writing the backlog so nothing emitted during
	// catch-up is lost; duplicates are possible and carry their seq so
	// clients can dedupe.
	var sub *events.Subscription
	if !once {
		sub = s.bus.Subscribe(run.ID)
		defer s.bus.Unsubscribe(sub)
	}

	c.Writer.Header().Set("Content-Type", sse.ContentType)
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	for _, e := range backlog {
		writeEvent(c, e)
	}
	c.Writer.Flush()
	if once {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case e, open := <-sub.C:
			if !open {
				return
			}
			writeEvent(c, e)
			c.Writer.Flush()
		case <-heartbeat.C:
			_ = sse.Encode(c.Writer, sse.Event{Event: "ping", Data: "ok"})
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(c *gin.Context, e *models.Event) {
	_ = sse.Encode(c.Writer, sse.Event{
		Id:    strconv.FormatInt(e.Seq, 10),
		Event: e.Type,
		Data:  e,
	})
}
