// Package logger implements a non-blocking, batched request logger.
//
// Forwarded requests are queued on a buffered channel and written as slog
// records by a background goroutine, so logging never holds up a relay. When
// the queue is full, or the logger is already closed, entries are dropped and
// counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// RequestLog is one forwarded request. KeyHint must already be masked.
type RequestLog struct {
	ID        uuid.UUID
	Dialect   string
	Method    string
	Path      string
	Model     string
	KeyHint   string
	Status    int
	LatencyMs int64
	Stream    bool
	Rotated   bool
	CreatedAt time.Time
}

// Level maps the response status onto a log level: 5xx is an error, 4xx a
// warning, everything else informational.
func (e RequestLog) Level() slog.Level {
	switch {
	case e.Status >= 500:
		return slog.LevelError
	case e.Status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (e RequestLog) attrs() []slog.Attr {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []slog.Attr{
		slog.String("id", e.ID.String()),
		slog.String("dialect", e.Dialect),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.String("model", e.Model),
		slog.String("key", e.KeyHint),
		slog.Int("status", e.Status),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.Bool("stream", e.Stream),
		slog.Bool("rotated", e.Rotated),
		slog.Time("created_at", created.UTC()),
	}
}

// Option tunes a Logger.
type Option func(*Logger)

// WithBuffer sets the queue capacity.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// WithBatchSize sets how many queued entries trigger an immediate flush.
func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// Logger queues RequestLog entries and writes them from one goroutine.
type Logger struct {
	ch   chan RequestLog
	done chan struct{}
	wg   sync.WaitGroup

	// mu orders sends against Close: every send that saw closed == false
	// lands in ch before done is closed, so the final drain writes it.
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64

	buffer        int
	batchSize     int
	flushInterval time.Duration

	baseCtx context.Context
	log     *slog.Logger
}

// New starts a Logger writing to slogger, or to a JSON stdout handler when
// slogger is nil.
func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		done:          make(chan struct{}),
		buffer:        defaultBuffer,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		baseCtx:       ctx,
		log:           slogger,
	}
	for _, o := range opts {
		o(l)
	}
	l.ch = make(chan RequestLog, l.buffer)

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log queues an entry. It never blocks.
func (l *Logger) Log(entry RequestLog) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// DroppedLogs reports how many entries were discarded.
func (l *Logger) DroppedLogs() int64 {
	return l.dropped.Load()
}

// Close drains the queue and stops the writer. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *Logger) write(batch []RequestLog) {
	for _, e := range batch {
		l.log.LogAttrs(l.baseCtx, e.Level(), "request", e.attrs()...)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, l.batchSize)
	flush := func() {
		if len(batch) > 0 {
			l.write(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
