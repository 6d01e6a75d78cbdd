// Package readout serves the tuner's reading to presentation clients.
//
// Clients either poll GET /reading or hold a WebSocket open on /ws, which
// receives a JSON [View] every time the published pitch changes. The
// session itself can be inspected and controlled through /session.
package readout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/tuner/internal/observe"
	"github.com/MrWong99/tuner/internal/session"
	"github.com/MrWong99/tuner/pkg/pitch"
)

// Session is the part of [session.Manager] the readout needs.
type Session interface {
	Reading() pitch.Reading
	Subscribe() (<-chan pitch.Reading, func())
	Info() session.Info
	Start(ctx context.Context) error
	Stop() error
}

var _ Session = (*session.Manager)(nil)

// View is the JSON shape of a reading sent to clients. The embedded
// [pitch.Reading] fields are flattened into the object.
type View struct {
	pitch.Reading

	Active       bool    `json:"active"`
	InTune       bool    `json:"in_tune"`
	DisplayCents float64 `json:"display_cents"`
}

// NewView derives the display fields of r.
func NewView(r pitch.Reading) View {
	return View{
		Reading:      r,
		Active:       r.Active(),
		InTune:       r.InTune(),
		DisplayCents: r.DisplayCents(),
	}
}

// Handler serves the readout endpoints.
type Handler struct {
	sess    Session
	metrics *observe.Metrics

	writeTimeout   time.Duration
	pingInterval   time.Duration
	originPatterns []string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics sets the metrics used to count push subscribers. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithWriteTimeout bounds each WebSocket write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithPingInterval sets how often idle WebSocket clients are pinged. Zero
// disables pings. Default: 30s.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.pingInterval = d }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// New returns a Handler reading from sess.
func New(sess Session, opts ...Option) *Handler {
	h := &Handler{
		sess:         sess,
		writeTimeout: 5 * time.Second,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register adds the readout routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /reading", h.handleReading)
	mux.HandleFunc("GET /session", h.handleInfo)
	mux.HandleFunc("POST /session/start", h.handleStart)
	mux.HandleFunc("POST /session/stop", h.handleStop)
	mux.HandleFunc("GET /ws", h.handleStream)
}

// handleReading handles GET /reading.
func (h *Handler) handleReading(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewView(h.sess.Reading()))
}

// handleInfo handles GET /session.
func (h *Handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sess.Info())
}

// handleStart handles POST /session/start.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	err := h.sess.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.sess.Info())
	case errors.Is(err, session.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleStop handles POST /session/stop. Release errors are reported but the
// session is stopped either way.
func (h *Handler) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.sess.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sess.Info())
}

// handleStream handles GET /ws. The client receives the current reading
// immediately and then one message per change. Messages from the client are
// discarded.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("readout: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	readings, unsubscribe := h.sess.Subscribe()
	defer unsubscribe()

	h.metrics.ReadoutSubscribers.Add(ctx, 1)
	defer h.metrics.ReadoutSubscribers.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(r.Context(), "remote_addr", r.RemoteAddr)
	log.Debug("readout: subscriber connected")

	var ping <-chan time.Time
	if h.pingInterval > 0 {
		t := time.NewTicker(h.pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("readout: subscriber disconnected", "err", context.Cause(ctx))
			return
		case reading, ok := <-readings:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "readout closed")
				return
			}
			if err := h.write(ctx, conn, NewView(reading)); err != nil {
				log.Debug("readout: write failed", "err", err)
				return
			}
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("readout: ping failed", "err", err)
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, v View) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
