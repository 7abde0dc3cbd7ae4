// Package keypool holds the backend API keys and the rotation cursor that
// selects the active one.
//
// A Pool is created once at startup from a comma-separated list and shared by
// every request handler. Current and Advance only hold the pool mutex for the
// duration of the read or increment; callers never keep it across network I/O.
//
// The pool does not log. Advance returns a Rotation value so the caller can
// record which key was retired and which one replaced it.
package keypool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoKeys is returned by Load when the list contains no usable key.
var ErrNoKeys = errors.New("keypool: no backend API keys configured")

// syncTimeout bounds every shared-cursor round trip.
const syncTimeout = 250 * time.Millisecond

// Rotation describes one Advance call.
type Rotation struct {
	From string
	To   string

	// SyncErr is set when the shared cursor could not be updated. The local
	// cursor has still moved.
	SyncErr error
}

// Pool is an ordered, non-empty set of backend keys with a cyclic cursor.
// It is safe for concurrent use.
type Pool struct {
	keys []string

	mu      sync.Mutex
	counter uint64

	shared  Cursor
	baseCtx context.Context
}

// Option configures a Pool.
type Option func(*Pool)

// WithSharedCursor makes the pool follow an external cursor so that several
// gateway replicas rotate through the same key list together.
func WithSharedCursor(c Cursor) Option {
	return func(p *Pool) { p.shared = c }
}

// WithContext sets the parent context for shared-cursor calls.
func WithContext(ctx context.Context) Option {
	return func(p *Pool) {
		if ctx != nil {
			p.baseCtx = ctx
		}
	}
}

// Load parses raw (comma-separated), trims whitespace around every entry and
// drops empty ones. The cursor starts on the first key.
func Load(raw string, opts ...Option) (*Pool, error) {
	keys := Split(raw)
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return New(keys, opts...)
}

// New builds a pool from an already split key list. Empty entries are
// rejected the same way Load rejects them.
func New(keys []string, opts ...Option) (*Pool, error) {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, ErrNoKeys
	}

	p := &Pool{keys: clean, baseCtx: context.Background()}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Split breaks a comma-separated key list into trimmed, non-empty entries.
func Split(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if k := strings.TrimSpace(part); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int { return len(p.keys) }

// Keys returns a copy of the key list in rotation order.
func (p *Pool) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Index returns the position of the active key.
func (p *Pool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexLocked()
}

// Current returns the active key.
//
// With a shared cursor attached the shared position wins; if it cannot be
// read the last locally known position is used.
func (p *Pool) Current() string {
	if p.shared != nil {
		ctx, cancel := context.WithTimeout(p.baseCtx, syncTimeout)
		pos, err := p.shared.Position(ctx)
		cancel()
		if err == nil {
			p.mu.Lock()
			p.counter = pos
			k := p.keys[p.indexLocked()]
			p.mu.Unlock()
			return k
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[p.indexLocked()]
}

// Advance moves the cursor to the next key, wrapping after the last one, and
// returns the retired and the new key. Concurrent callers each move the
// cursor one step, so a burst of N calls skips N positions.
func (p *Pool) Advance() Rotation {
	if p.shared != nil {
		p.mu.Lock()
		from := p.keys[p.indexLocked()]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(p.baseCtx, syncTimeout)
		pos, err := p.shared.Advance(ctx)
		cancel()
		if err == nil {
			p.mu.Lock()
			p.counter = pos
			to := p.keys[p.indexLocked()]
			p.mu.Unlock()
			return Rotation{From: from, To: to}
		}

		r := p.advanceLocal()
		r.SyncErr = err
		return r
	}

	return p.advanceLocal()
}

func (p *Pool) advanceLocal() Rotation {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := p.keys[p.indexLocked()]
	p.counter++
	return Rotation{From: from, To: p.keys[p.indexLocked()]}
}

func (p *Pool) indexLocked() int {
	return int(p.counter % uint64(len(p.keys)))
}

// Mask shortens a key for logging: the first and last four characters
// joined by "...". Keys too short to mask safely are fully hidden.
func Mask(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
