// Package audit records mesh events into the store's audit_log table.
//
// Writes are batched: the agent can log every inbound request without paying
// one SQLite transaction per event. Security-relevant events (joins, token
// consumption) bypass the buffer so they survive a hard crash.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"halvor/internal/store"
)

// Levels.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelSecurity = "SECURITY"
)

// Event is one audit entry.
type Event struct {
	Timestamp int64
	Level     string
	Event     string // e.g. "join_accepted", "sync_database", "broadcast_failed"
	Peer      string
	Message   string
	Success   bool
}

// criticalEvents bypass the buffer and write directly.
var criticalEvents = map[string]bool{
	"join_accepted":  true,
	"join_rejected":  true,
	"token_issued":   true,
	"token_consumed": true,
	"peer_removed":   true,
}

// Logger batches audit events into the store.
type Logger struct {
	store         *store.Store
	mu            sync.Mutex
	buffer        []Event
	maxBuffer     int
	flushInterval time.Duration
	stopCh        chan struct{}
	stopped       sync.Once
}

// NewLogger creates a buffered audit logger. Zero maxBuffer or flushInterval
// select the defaults (100 events / 5 s).
func NewLogger(s *store.Store, maxBuffer int, flushInterval time.Duration) *Logger {
	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Logger{
		store:         s,
		buffer:        make([]Event, 0, maxBuffer),
		maxBuffer:     maxBuffer,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the background flush loop.
func (l *Logger) Start() {
	go func() {
		ticker := time.NewTicker(l.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					logrus.WithError(err).Warn("audit flush failed")
				}
			case <-l.stopCh:
				if err := l.Flush(); err != nil {
					logrus.WithError(err).Warn("final audit flush failed")
				}
				return
			}
		}
	}()
}

// Stop flushes and halts the background loop. Safe to call twice.
func (l *Logger) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
}

// Log records an event. Critical events write through immediately; the rest
// sit in the buffer until the next flush or until the buffer fills.
func (l *Logger) Log(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	if criticalEvents[e.Event] {
		if err := l.write([]Event{e}); err != nil {
			logrus.WithError(err).WithField("event", e.Event).Warn("audit write failed")
		}
		return
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, e)
	full := len(l.buffer) >= l.maxBuffer
	l.mu.Unlock()

	if full {
		if err := l.Flush(); err != nil {
			logrus.WithError(err).Warn("audit flush failed")
		}
	}
}

// Flush writes the buffered events.
func (l *Logger) Flush() error {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.buffer
	l.buffer = make([]Event, 0, l.maxBuffer)
	l.mu.Unlock()

	return l.write(batch)
}

func (l *Logger) write(events []Event) error {
	for _, e := range events {
		if err := l.store.InsertAuditEvent(e.Timestamp, e.Level, e.Event, e.Peer, e.Message, e.Success); err != nil {
			return err
		}
	}
	return nil
}
