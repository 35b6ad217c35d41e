package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"intelvault/core"
	"intelvault/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 512
	sendChannelSize = 256
)

var errStreamClosed = errors.New("stream closed")

// streamClient is one WebSocket connection fed by a hub subscription.
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

// deliver hands an event to the write pump. It blocks until there is room,
// the connection closes or the hub's delivery timeout expires.
func (c *streamClient) deliver(ctx context.Context, ev core.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream upgrades to a WebSocket and forwards the tenant's events. Query
// parameters: channel (repeatable or comma separated) and min_severity.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	tenant := tenantOf(r)
	q := r.URL.Query()

	var channels []core.Channel
	for _, ch := range listParam(q["channel"]) {
		channels = append(channels, core.Channel(ch))
	}
	minSeverity := core.Severity(q.Get("min_severity"))
	if minSeverity != "" && !minSeverity.IsValid() {
		writeError(w, core.NewValidationError("min_severity", "unknown severity"), a.logger)
		return
	}

	client := &streamClient{
		send:   make(chan []byte, sendChannelSize),
		done:   make(chan struct{}),
		logger: a.logger,
	}
	subID, err := a.svc.Subscribe(tenant, channels, severityPredicate(minSeverity), client.deliver)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		a.svc.Unsubscribe(subID)
		a.logger.Debugw("WebSocket upgrade failed", "tenant", tenant, "error", err)
		return
	}
	client.conn = conn

	if hub := a.svc.Hub(); hub != nil {
		if hubDone, ok := hub.Done(subID); ok {
			go func() {
				select {
				case <-hubDone:
					client.close()
				case <-client.done:
				}
			}()
		}
	}

	a.logger.Infow("Stream client connected", "tenant", tenant, "subscription", subID)
	go client.writePump()
	client.readPump()

	a.svc.Unsubscribe(subID)
	a.logger.Infow("Stream client disconnected", "tenant", tenant, "subscription", subID)
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return a.originAllowed(origin)
}

// severityPredicate drops indicator events below minSeverity. Other events pass.
func severityPredicate(minSeverity core.Severity) notify.Predicate {
	if minSeverity == "" {
		return nil
	}
	return func(ev core.Event) bool {
		ind, ok := ev.Payload.(*core.Indicator)
		if !ok {
			return true
		}
		return ind.Severity.AtLeast(minSeverity)
	}
}

// readPump discards client messages and returns when the connection closes.
func (c *streamClient) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
