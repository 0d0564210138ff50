// Package kv is the key-path store pcpd keeps its mapping and config rows in.
//
// Paths look like filesystem paths ("/pcp/mappings/10/lifetime"). Values are
// strings; integer helpers format them in base 10.
package kv

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
)

var ErrNotFound = errors.New("kv: path not found")

// Store is the persistence contract the rest of pcpd depends on. Every
// method is atomic on its own and safe for concurrent use.
type Store interface {
	GetString(ctx context.Context, path string) (string, error)
	SetString(ctx context.Context, path, value string) error
	GetInt(ctx context.Context, path string) (int64, error)
	SetInt(ctx context.Context, path string, value int64) error

	// SetAll writes every entry in a single transaction.
	SetAll(ctx context.Context, values map[string]string) error

	// SetAllIf is SetAll guarded by guard existing, checked in the same
	// transaction. ok is false and nothing is written when guard is absent.
	SetAllIf(ctx context.Context, guard string, values map[string]string) (ok bool, err error)

	// Tree returns path and all paths below it with their values.
	Tree(ctx context.Context, path string) (map[string]string, error)

	// Search returns the immediate children of prefix, which must end in "/".
	Search(ctx context.Context, prefix string) ([]string, error)

	// Prune removes path and everything below it.
	Prune(ctx context.Context, path string) error

	// Watch delivers changes to paths starting with prefix.
	Watch(prefix string) *Subscription

	Close() error
}

// Change is a single write or removal seen by a watcher.
type Change struct {
	Path    string
	Value   string
	Deleted bool
}

const watchBuffer = 1024

// Subscription receives changes until it is closed.
type Subscription struct {
	C <-chan Change

	ch     chan Change
	prefix string
	hub    *hub
	once   sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// hub fans changes out to subscriptions. Sends never block the writer;
// a subscriber that falls behind loses changes and Dropped goes up.
type hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[*Subscription]struct{})}
}

func (h *hub) add(prefix string) *Subscription {
	ch := make(chan Change, watchBuffer)
	s := &Subscription{C: ch, ch: ch, prefix: prefix, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) publish(changes ...Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		for _, c := range changes {
			if !strings.HasPrefix(c.Path, s.prefix) {
				continue
			}
			select {
			case s.ch <- c:
			default:
				h.dropped.Add(1)
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Join builds a path from its elements.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}
