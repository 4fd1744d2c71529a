package storage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// Archive keeps one JSONLWriter per browser target and receives admitted
// envelopes from observation sessions.
type Archive struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int
	now        func() time.Time

	writers map[string]*JSONLWriter
	closed  bool
	mu      sync.RWMutex
}

// NewArchive creates an archive rooted at baseDir.
func NewArchive(baseDir string, bufferSize, maxSizeMB int) *Archive {
	return &Archive{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		now:        time.Now,
		writers:    make(map[string]*JSONLWriter),
	}
}

// OnEnvelope queues env for the writer of its target.
func (a *Archive) OnEnvelope(env types.Envelope) {
	w := a.writer(BrowserIDFromTargetID(env.TargetID))
	if w == nil {
		return
	}
	_ = w.Write(env)
}

func (a *Archive) writer(browserID string) *JSONLWriter {
	a.mu.RLock()
	w, ok := a.writers[browserID]
	closed := a.closed
	a.mu.RUnlock()
	if ok || closed {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if w, ok := a.writers[browserID]; ok {
		return w
	}
	w = newJSONLWriter(a.baseDir, browserID, a.bufferSize, a.maxSizeMB, a.now)
	a.writers[browserID] = w

	slog.Info("Created archive writer", "browser_id", browserID)
	return w
}

// Close flushes and closes all writers. Later envelopes are discarded.
func (a *Archive) Close() error {
	a.mu.Lock()
	writers := a.writers
	a.writers = make(map[string]*JSONLWriter)
	a.closed = true
	a.mu.Unlock()

	var lastErr error
	for id, w := range writers {
		if err := w.Close(); err != nil {
			slog.Error("Failed to close archive writer",
				"browser_id", id,
				"error", err)
			lastErr = err
		}
	}
	return lastErr
}
