// Package notify carries mapping and policy change events to whoever wants
// them: the log, metrics, or a forwarding subsystem.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/mapping"
)

type EventKind int

const (
	MappingCreated EventKind = iota
	MappingDeleted
	PolicyChanged
)

func (k EventKind) String() string {
	switch k {
	case MappingCreated:
		return "mapping-created"
	case MappingDeleted:
		return "mapping-deleted"
	case PolicyChanged:
		return "policy-changed"
	}
	return "unknown"
}

// Event is a single change. Mapping is set for mapping events, Key and
// Value for policy events.
type Event struct {
	Kind    EventKind
	Mapping mapping.Mapping
	Key     string
	Value   string
}

type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Handle is the shared slot observers are registered in. The lock is held
// across dispatch so an observer is never replaced mid-delivery.
type Handle struct {
	mu       sync.Mutex
	observer Observer
}

// Register replaces the current observer. nil disables delivery.
func (h *Handle) Register(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

func (h *Handle) Notify(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observer != nil {
		h.observer.Notify(e)
	}
}

// Multi delivers each event to every observer in order.
type Multi []Observer

func (m Multi) Notify(e Event) {
	for _, o := range m {
		o.Notify(e)
	}
}

// Logger writes events to a zap logger.
type Logger struct {
	log *zap.SugaredLogger
}

func NewLogger(log *zap.SugaredLogger) *Logger {
	return &Logger{log: log.With("component", "notify")}
}

func (l *Logger) Notify(e Event) {
	switch e.Kind {
	case MappingCreated, MappingDeleted:
		l.log.Infow(e.Kind.String(),
			"index", e.Mapping.Index,
			"opcode", e.Mapping.Opcode.String(),
			"protocol", e.Mapping.Protocol,
			"internal", e.Mapping.Internal.String(),
			"external", e.Mapping.External.String(),
			"lifetime", e.Mapping.Lifetime,
		)
	case PolicyChanged:
		l.log.Infow(e.Kind.String(), "key", e.Key, "value", e.Value)
	default:
		l.log.Warnf("Unknown event kind %d", e.Kind)
	}
}
