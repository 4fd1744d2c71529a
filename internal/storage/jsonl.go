package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/cdp_observer/internal/types"
)

const archiveFile = "events.jsonl"

// JSONLWriter appends envelopes of one browser target to
// baseDir/<date>/<browserID>/events.jsonl. Writes are queued and flushed by a
// single goroutine.
type JSONLWriter struct {
	baseDir     string
	browserID   string
	maxSizeMB   int
	now         func() time.Time
	writeCh     chan types.Envelope
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
}

func newJSONLWriter(baseDir, browserID string, bufferSize, maxSizeMB int, now func() time.Time) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		browserID: browserID,
		maxSizeMB: maxSizeMB,
		now:       now,
		writeCh:   make(chan types.Envelope, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues an envelope. It never blocks: a full queue drops the envelope.
func (w *JSONLWriter) Write(env types.Envelope) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}
	select {
	case w.writeCh <- env:
		return nil
	default:
		slog.Debug("archive buffer full, dropping envelope",
			"browser_id", w.browserID,
			"sequence", env.Sequence)
		return fmt.Errorf("buffer full")
	}
}

// Close stops the writer after draining queued envelopes.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		err := w.logger.Close()
		w.logger = nil
		return err
	}
	return nil
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case env := <-w.writeCh:
			w.writeRecord(env)
		case <-w.done:
			timeout := time.After(5 * time.Second)
			for {
				select {
				case env := <-w.writeCh:
					w.writeRecord(env)
				case <-timeout:
					slog.Warn("archive close timeout, some envelopes may be lost",
						"browser_id", w.browserID)
					return
				default:
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) writeRecord(env types.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal envelope",
			"error", err,
			"browser_id", w.browserID)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("Failed to open archive file",
				"error", err,
				"browser_id", w.browserID)
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write envelope",
			"error", err,
			"browser_id", w.browserID)
	}
}

func (w *JSONLWriter) rotateForDate(date string) error {
	if w.logger != nil {
		w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.browserID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	filename := filepath.Join(dir, archiveFile)
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false,
	}

	w.currentDate = date
	slog.Info("Opened archive file",
		"file", filename,
		"browser_id", w.browserID)
	return nil
}
