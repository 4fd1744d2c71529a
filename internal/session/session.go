// Package session owns the observer lifecycle: one Session per observed
// target, each with its own connection handle, ring buffer and filters.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/capture"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// Listener receives every envelope admitted into a session buffer, after the
// sequence number is assigned. Implementations must not block.
type Listener interface {
	OnEnvelope(env types.Envelope)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(env types.Envelope)

func (f ListenerFunc) OnEnvelope(env types.Envelope) { f(env) }

// Session is the observation state for one target.
type Session struct {
	targetID      string
	targetURL     string
	observationID string
	ttl           time.Duration
	previewBytes  int
	createdAt     time.Time

	buf       *buffer.Ring
	filters   atomic.Pointer[filter.Config]
	accepting atomic.Bool
	listeners []Listener
	now       func() time.Time

	// mu serializes lifecycle changes: stop, clear, filter replacement and GC.
	mu      sync.Mutex
	handle  cdpcontrol.Handle
	removed bool
}

// Info is a point-in-time summary of a session.
type Info struct {
	TargetID      string    `json:"targetId"`
	URL           string    `json:"url,omitempty"`
	ObservationID string    `json:"observationId"`
	Attached      bool      `json:"attached"`
	BufferSize    int       `json:"bufferSize"`
	BufferedCount int       `json:"bufferedCount"`
	NextOffset    int64     `json:"nextOffset"`
	TTLSec        int64     `json:"ttlSec"`
	CreatedAt     time.Time `json:"createdAt"`
	LastEventAt   time.Time `json:"lastEventAt"`
}

func (s *Session) TargetID() string      { return s.targetID }
func (s *Session) URL() string           { return s.targetURL }
func (s *Session) ObservationID() string { return s.observationID }
func (s *Session) Buffer() *buffer.Ring  { return s.buf }
func (s *Session) TTL() time.Duration    { return s.ttl }

// Filters returns a copy of the active filter configuration.
func (s *Session) Filters() filter.Config {
	if cfg := s.filters.Load(); cfg != nil {
		return cfg.Clone()
	}
	return filter.Config{}
}

// Attached reports whether the session still holds a live handle.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Handle returns the live connection, or NOT_CONNECTED for a session that
// was stopped with its buffer retained or whose connection was lost.
func (s *Session) Handle() (cdpcontrol.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, cdpcontrol.NewError(cdpcontrol.CodeNotConnected,
			"session for "+s.targetID+" is detached; stop it with dropBuffer, then observe again", nil)
	}
	return s.handle, nil
}

func (s *Session) Info() Info {
	return Info{
		TargetID:      s.targetID,
		URL:           s.targetURL,
		ObservationID: s.observationID,
		Attached:      s.Attached(),
		BufferSize:    s.buf.Capacity(),
		BufferedCount: s.buf.Size(),
		NextOffset:    s.buf.NextSequence(),
		TTLSec:        int64(s.ttl / time.Second),
		CreatedAt:     s.createdAt,
		LastEventAt:   s.buf.LastUpdate(),
	}
}

// onEvent is the EventSink handed to the transport. It runs on the
// transport's read goroutine.
func (s *Session) onEvent(cdpSessionID string, raw any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("dropped malformed event", "target_id", s.targetID, "session_id", cdpSessionID, "error", r)
		}
	}()
	if !s.accepting.Load() {
		return
	}

	kind, ok := capture.KindOf(raw)
	if !ok {
		return
	}
	cfg := s.filters.Load()
	if cfg == nil {
		cfg = &filter.Config{}
	}
	if !cfg.AdmitsCategory(kind.Category()) {
		return
	}

	src := capture.Source{TargetID: s.targetID, SessionID: cdpSessionID, CapturedAt: s.now()}
	env, ok := capture.Normalize(raw, src, capture.Limits{MaxBodyBytes: cfg.BodyBudget(), PreviewBytes: s.previewBytes})
	if !ok || !cfg.AdmitsURL(env.URL()) {
		return
	}

	stored := s.buf.Push(env)
	for _, l := range s.listeners {
		l.OnEnvelope(stored)
	}
}
