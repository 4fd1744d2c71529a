package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/cdp_observer/internal/buffer"
	"github.com/dgnsrekt/cdp_observer/internal/capture"
	"github.com/dgnsrekt/cdp_observer/internal/cdpcontrol"
	"github.com/dgnsrekt/cdp_observer/internal/filter"
)

const (
	DefaultTTL        = time.Hour
	DefaultGCInterval = time.Minute
)

// ProfileFunc returns the initial filter configuration for a target URL.
type ProfileFunc func(targetURL string) (filter.Config, bool)

// Options configure a Manager. Zero values fall back to the defaults.
type Options struct {
	DefaultBufferSize int
	DefaultTTL        time.Duration
	GCInterval        time.Duration
	PreviewBytes      int
	// MaxBodyBytes replaces a filter budget of 0. Zero keeps filter.DefaultMaxBodyBytes.
	MaxBodyBytes int
	Profiles     ProfileFunc
	Listeners    []Listener
	Now          func() time.Time
}

// ObserveRequest selects a target by id or by URL substring.
type ObserveRequest struct {
	TargetID    string
	URLIncludes string
	BufferSize  int
	TTL         time.Duration
}

type ObserveResult struct {
	TargetID      string        `json:"targetId"`
	URL           string        `json:"url,omitempty"`
	Attached      bool          `json:"attached"`
	ObservationID string        `json:"observationId"`
	BufferSize    int           `json:"bufferSize"`
	Filters       filter.Config `json:"filters"`
}

type StopResult struct {
	TargetID string `json:"targetId"`
	Stopped  bool   `json:"stopped"`
	Dropped  bool   `json:"dropped"`
}

// Manager tracks sessions keyed by target id.
type Manager struct {
	transport cdpcontrol.Transport
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session
	reserved map[string]struct{}
}

func NewManager(transport cdpcontrol.Transport, opts Options) *Manager {
	if opts.DefaultBufferSize <= 0 {
		opts.DefaultBufferSize = buffer.DefaultCapacity
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	if opts.PreviewBytes <= 0 {
		opts.PreviewBytes = capture.DefaultPreviewBytes
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = filter.DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		transport: transport,
		opts:      opts,
		sessions:  make(map[string]*Session),
		reserved:  make(map[string]struct{}),
	}
}

// AddListener registers a listener for sessions created after the call.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Listeners = append(m.opts.Listeners, l)
}

// Transport exposes the underlying transport for target enumeration.
func (m *Manager) Transport() cdpcontrol.Transport { return m.transport }

// Observe connects to a target and starts buffering its events.
func (m *Manager) Observe(ctx context.Context, req ObserveRequest) (ObserveResult, error) {
	targetID := strings.TrimSpace(req.TargetID)
	urlIncludes := strings.TrimSpace(req.URLIncludes)
	if targetID == "" && urlIncludes == "" {
		return ObserveResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "targetId or urlIncludes is required", nil)
	}
	if req.BufferSize < 0 {
		return ObserveResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "bufferSize must be positive", nil)
	}
	if req.TTL < 0 {
		return ObserveResult{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, "ttlSec must be positive", nil)
	}

	targetID, targetURL, err := m.resolve(ctx, targetID, urlIncludes)
	if err != nil {
		return ObserveResult{}, err
	}

	if err := m.reserve(targetID); err != nil {
		return ObserveResult{}, err
	}
	defer m.release(targetID)

	s := m.newSession(targetID, targetURL, req)
	s.accepting.Store(true)
	handle, err := m.transport.Connect(ctx, targetID, s.onEvent)
	if err != nil {
		var coded *cdpcontrol.CodedError
		if !errors.As(err, &coded) {
			err = cdpcontrol.NewError(cdpcontrol.CodeBrowserUnreachable, "connect to "+targetID, err)
		}
		return ObserveResult{}, err
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[targetID] = s
	m.mu.Unlock()
	if done := handle.Done(); done != nil {
		go m.watch(s, handle, done)
	}

	slog.Info("Observing target", "target_id", targetID, "observation_id", s.observationID, "buffer_size", s.buf.Capacity(), "ttl", s.ttl)
	return ObserveResult{
		TargetID:      targetID,
		URL:           targetURL,
		Attached:      true,
		ObservationID: s.observationID,
		BufferSize:    s.buf.Capacity(),
		Filters:       s.Filters().WithDefaults(),
	}, nil
}

// resolve picks the target. An explicit id wins and is used as given; the
// enumeration is only consulted for its URL.
func (m *Manager) resolve(ctx context.Context, targetID, urlIncludes string) (string, string, error) {
	targets, err := m.transport.ListTargets(ctx)
	if targetID != "" {
		if err == nil {
			for _, t := range targets {
				if t.ID == targetID {
					return targetID, t.URL, nil
				}
			}
		}
		return targetID, "", nil
	}
	if err != nil {
		return "", "", err
	}
	for _, t := range targets {
		if strings.Contains(t.URL, urlIncludes) {
			return t.ID, t.URL, nil
		}
	}
	return "", "", cdpcontrol.NewError(cdpcontrol.CodeTargetNotFound, "no target URL contains "+urlIncludes, nil)
}

func (m *Manager) reserve(targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[targetID]; ok {
		return cdpcontrol.NewError(cdpcontrol.CodeAlreadyObserving,
			"target "+targetID+" already has a session; stop it with dropBuffer to observe again", nil)
	}
	if _, ok := m.reserved[targetID]; ok {
		return cdpcontrol.NewError(cdpcontrol.CodeAlreadyObserving, "target "+targetID+" is being attached", nil)
	}
	m.reserved[targetID] = struct{}{}
	return nil
}

func (m *Manager) release(targetID string) {
	m.mu.Lock()
	delete(m.reserved, targetID)
	m.mu.Unlock()
}

func (m *Manager) newSession(targetID, targetURL string, req ObserveRequest) *Session {
	size := req.BufferSize
	if size <= 0 {
		size = m.opts.DefaultBufferSize
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}

	m.mu.Lock()
	listeners := append([]Listener(nil), m.opts.Listeners...)
	m.mu.Unlock()

	s := &Session{
		targetID:      targetID,
		targetURL:     targetURL,
		observationID: uuid.NewString(),
		ttl:           ttl,
		previewBytes:  m.opts.PreviewBytes,
		createdAt:     m.opts.Now(),
		buf:           buffer.NewWithClock(size, m.opts.Now),
		listeners:     listeners,
		now:           m.opts.Now,
	}
	cfg := filter.Config{}
	if m.opts.Profiles != nil && targetURL != "" {
		if p, ok := m.opts.Profiles(targetURL); ok {
			if normalized, err := p.Normalize(); err == nil {
				cfg = normalized
				slog.Info("Applied filter profile", "target_id", targetID, "url", targetURL)
			} else {
				slog.Warn("Ignoring invalid filter profile", "target_id", targetID, "error", err)
			}
		}
	}
	cfg = m.withBudget(cfg)
	s.filters.Store(&cfg)
	return s
}

// watch detaches s when its connection ends without StopObserve, GC or
// Close. The buffer and filters stay readable.
func (m *Manager) watch(s *Session, handle cdpcontrol.Handle, done <-chan struct{}) {
	<-done
	s.mu.Lock()
	lost := s.handle == handle
	if lost {
		s.handle = nil
		s.accepting.Store(false)
	}
	s.mu.Unlock()
	if !lost {
		return
	}
	_ = handle.Close()
	slog.Warn("Connection to target lost; session detached", "target_id", s.targetID, "observation_id", s.observationID)
}

func (m *Manager) withBudget(cfg filter.Config) filter.Config {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = m.opts.MaxBodyBytes
	}
	return cfg
}

// StopObserve closes the live handle. With dropBuffer the session is removed;
// otherwise it stays detached with its buffer and filters readable. A detached
// session can still be dropped.
func (m *Manager) StopObserve(targetID string, dropBuffer bool) (StopResult, error) {
	s, err := m.Get(targetID)
	if err != nil {
		return StopResult{}, err
	}

	s.mu.Lock()
	if s.removed || (s.handle == nil && !dropBuffer) {
		s.mu.Unlock()
		return StopResult{}, notObserving(targetID)
	}
	handle := s.handle
	s.handle = nil
	s.accepting.Store(false)
	if dropBuffer {
		s.removed = true
	}
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			slog.Warn("Closing target connection failed", "target_id", targetID, "error", err)
		}
	}
	if dropBuffer {
		m.forget(s)
	}
	slog.Info("Stopped observing target", "target_id", targetID, "dropped", dropBuffer)
	return StopResult{TargetID: targetID, Stopped: handle != nil, Dropped: dropBuffer}, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.targetID]; ok && cur == s {
		delete(m.sessions, s.targetID)
	}
	m.mu.Unlock()
}

// Get returns the session for targetID, live or detached.
func (m *Manager) Get(targetID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[strings.TrimSpace(targetID)]
	m.mu.Unlock()
	if !ok {
		return nil, notObserving(targetID)
	}
	return s, nil
}

// IsObserved reports whether any session exists for targetID.
func (m *Manager) IsObserved(targetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[targetID]
	return ok
}

// List returns session summaries ordered by target id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// SetFilters replaces the session's filter configuration as a whole.
func (m *Manager) SetFilters(targetID string, cfg filter.Config) (filter.Config, error) {
	s, err := m.Get(targetID)
	if err != nil {
		return filter.Config{}, err
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return filter.Config{}, cdpcontrol.NewError(cdpcontrol.CodeInvalidInput, err.Error(), nil)
	}
	normalized = m.withBudget(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return filter.Config{}, notObserving(targetID)
	}
	s.filters.Store(&normalized)
	return normalized.WithDefaults(), nil
}

func (m *Manager) GetFilters(targetID string) (filter.Config, error) {
	s, err := m.Get(targetID)
	if err != nil {
		return filter.Config{}, err
	}
	return s.Filters().WithDefaults(), nil
}

// Clear empties the session buffer and restarts sequencing at 0. It returns
// the number of envelopes discarded.
func (m *Manager) Clear(targetID string) (int, error) {
	s, err := m.Get(targetID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return 0, notObserving(targetID)
	}
	n := s.buf.Size()
	s.buf.Clear()
	return n, nil
}

// GC removes sessions idle longer than their TTL and returns their ids.
func (m *Manager) GC() []string {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var removed []string
	for _, s := range sessions {
		s.mu.Lock()
		if s.removed || !s.buf.IsExpired(s.ttl) {
			s.mu.Unlock()
			continue
		}
		s.removed = true
		s.accepting.Store(false)
		handle := s.handle
		s.handle = nil
		s.mu.Unlock()

		if handle != nil {
			_ = handle.Close()
		}
		m.forget(s)
		removed = append(removed, s.targetID)
		slog.Info("Removed idle session", "target_id", s.targetID, "ttl", s.ttl)
	}
	sort.Strings(removed)
	return removed
}

// Run collects idle sessions every GCInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.GC()
		}
	}
}

// Close detaches every live session. Buffers are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.removed = true
		s.accepting.Store(false)
		handle := s.handle
		s.handle = nil
		s.mu.Unlock()
		if handle != nil {
			_ = handle.Close()
		}
	}
}

func notObserving(targetID string) error {
	return cdpcontrol.NewError(cdpcontrol.CodeNotObserving, "target "+targetID+" is not being observed", nil)
}
