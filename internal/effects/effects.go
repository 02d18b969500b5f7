// Package effects delivers admission side effects to connected hosts over
// websockets. Every connected host receives every command and acts on the
// sessions it owns.
package effects

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/keithlinneman/iplimit/internal/admission"
	"github.com/keithlinneman/iplimit/internal/log"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// ErrNoSubscribers is returned when a command is published while no host is
// connected. It is admission.ErrNoHosts so the controller can tell an empty
// hub from a failed delivery.
var ErrNoSubscribers = admission.ErrNoHosts

type CommandType string

const (
	CommandSendNotice          CommandType = "send_notice"
	CommandForceDisconnect     CommandType = "force_disconnect"
	CommandMarkIdentityOffline CommandType = "mark_identity_offline"
)

// Command is one side effect as sent on the wire.
type Command struct {
	ID       string      `json:"id"`
	Type     CommandType `json:"type"`
	Session  string      `json:"session,omitempty"`
	Identity string      `json:"identity,omitempty"`
	Text     string      `json:"text,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// Metrics observes the hub.
type Metrics interface {
	SetEffectSubscribers(n int)
	IncEffectPublished(commandType string)
	IncEffectDropped()
}

type Options struct {
	Logger       log.Logger
	Metrics      Metrics
	QueueSize    int
	WriteTimeout time.Duration

	// OriginPatterns is passed to websocket.Accept. Hosts are not browsers,
	// so this is usually left empty.
	OriginPatterns []string

	Now func() time.Time
}

type subscriber struct {
	ch     chan Command
	remote string
}

// Hub fans commands out to subscribers. Each subscriber has a bounded
// queue; a full queue drops the command for that subscriber only.
type Hub struct {
	logger         log.Logger
	metrics        Metrics
	queueSize      int
	writeTimeout   time.Duration
	originPatterns []string
	now            func() time.Time

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ admission.Effects = (*Hub)(nil)

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		logger:         log.OrNop(opts.Logger),
		metrics:        opts.Metrics,
		queueSize:      opts.QueueSize,
		writeTimeout:   opts.WriteTimeout,
		originPatterns: opts.OriginPatterns,
		now:            opts.Now,
		subs:           make(map[*subscriber]struct{}),
	}
}

func (h *Hub) SendNotice(ctx context.Context, s admission.SessionHandle, text string) error {
	return h.Publish(ctx, Command{Type: CommandSendNotice, Session: string(s), Text: text})
}

func (h *Hub) ForceDisconnect(ctx context.Context, s admission.SessionHandle) error {
	return h.Publish(ctx, Command{Type: CommandForceDisconnect, Session: string(s)})
}

func (h *Hub) MarkIdentityOffline(ctx context.Context, id admission.IdentityID) error {
	return h.Publish(ctx, Command{Type: CommandMarkIdentityOffline, Identity: string(id)})
}

// Publish queues cmd for every subscriber without blocking. ID and IssuedAt
// are filled in when empty.
func (h *Hub) Publish(ctx context.Context, cmd Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return ErrNoSubscribers
	}
	for s := range h.subs {
		select {
		case s.ch <- cmd:
		default:
			h.logger.Warn(ctx, "effect subscriber queue full, dropping command",
				"remote", s.remote,
				"command_id", cmd.ID,
				"type", string(cmd.Type),
			)
			if h.metrics != nil {
				h.metrics.IncEffectDropped()
			}
		}
	}
	if h.metrics != nil {
		h.metrics.IncEffectPublished(string(cmd.Type))
	}
	return nil
}

// Subscribers returns the number of connected hosts.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) register(remote string) *subscriber {
	s := &subscriber{ch: make(chan Command, h.queueSize), remote: remote}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetEffectSubscribers(n)
	}
	return s
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetEffectSubscribers(n)
	}
}

// ServeHTTP upgrades the request and streams commands until the host
// disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// the API server's read and write timeouts would cut the stream; writes
	// are bounded per command below instead
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug(ctx, "effects clear write deadline failed", "error", err)
	}
	if err := rc.SetReadDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug(ctx, "effects clear read deadline failed", "error", err)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn(ctx, "effects websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s := h.register(r.RemoteAddr)
	defer h.unregister(s)

	h.logger.Info(ctx, "effects subscriber connected", "remote", r.RemoteAddr)
	defer h.logger.Info(ctx, "effects subscriber disconnected", "remote", r.RemoteAddr)

	// hosts never send anything; CloseRead handles pings and close frames
	// and cancels ctx when the connection goes away
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.ch:
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, cmd)
			cancel()
			if err != nil {
				h.logger.Warn(ctx, "effects write failed, closing subscriber",
					"remote", r.RemoteAddr,
					"command_id", cmd.ID,
					"error", err,
				)
				return
			}
		}
	}
}
