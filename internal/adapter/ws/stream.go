package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/port/broadcast"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
)

// Subscriber attaches listeners to one execution's event stream.
type Subscriber interface {
	Subscribe(ctx context.Context, executionID string) (<-chan messagequeue.ExecutionEventPayload, func())
}

// StateReader resolves an execution for a caller.
type StateReader interface {
	GetState(ctx context.Context, id, userID string) (*execution.Execution, error)
}

// Stream serves GET /executions/{id}/stream: the current state first, then
// every step and state event until the client goes away.
type Stream struct {
	reader  StateReader
	subs    Subscriber
	origins []string
}

// NewStream creates a stream endpoint.
func NewStream(reader StateReader, subs Subscriber, origins ...string) *Stream {
	return &Stream{reader: reader, subs: subs, origins: origins}
}

// Serve streams execution id to userID. It returns the lookup error, with
// nothing written, when the execution is missing or not the caller's;
// once the connection is upgraded it returns nil.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, id, userID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the snapshot so no event falls in between.
	events, unsubscribe := s.subs.Subscribe(ctx, id)
	defer unsubscribe()

	e, err := s.reader.GetState(r.Context(), id, userID)
	if err != nil {
		return err
	}

	c, err := websocket.Accept(w, r, acceptOptions(s.origins))
	if err != nil {
		slog.Error("websocket accept failed", "execution_id", id, "error", err)
		return nil
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	// The client only listens; CloseRead cancels ctx when it disconnects.
	ctx = c.CloseRead(ctx)

	view := e.View()
	view.Steps = nil
	data, _ := json.Marshal(view)
	first := messagequeue.ExecutionEventPayload{
		Type:        broadcast.EventExecutionState,
		ExecutionID: e.ID,
		State:       string(e.State),
		Data:        data,
		At:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := write(ctx, c, first); err != nil {
		return nil
	}

	slog.Debug("execution stream opened", "execution_id", id, "user_id", userID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				_ = c.Close(websocket.StatusGoingAway, "stream closed")
				return nil
			}
			if err := write(ctx, c, ev); err != nil {
				slog.Debug("execution stream write failed", "execution_id", id, "error", err)
				return nil
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, ev messagequeue.ExecutionEventPayload) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, data)
}
