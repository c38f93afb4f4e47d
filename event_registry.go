package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Decoder turns a persisted payload back into an Event.
type Decoder func(payload []byte) (Event, error)

// Registry maps persisted event kinds to their decoders.
//
// Stores resolve every persisted record through a Registry. Kinds are
// registered explicitly at startup and validated with Require, so a missing
// decoder is detected before the first stream is replayed.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register adds a decoder for kind.
//
// Errors:
//   - If kind is empty or dec is nil.
//   - If kind is already registered.
func (r *Registry) Register(kind string, dec Decoder) error {
	if kind == "" {
		return fmt.Errorf("register event: empty kind")
	}
	if dec == nil {
		return fmt.Errorf("register event %q: nil decoder", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[kind]; exists {
		return fmt.Errorf("event already registered: %s", kind)
	}
	r.decoders[kind] = dec
	return nil
}

// Register registers the JSON decoder of the value type T under the kind
// returned by T's EventType.
//
// Example Usage:
//
//	err := Register[OrderCreated](registry)
func Register[T Event](r *Registry) error {
	var zero T
	return r.Register(zero.EventType(), func(payload []byte) (Event, error) {
		var ev T
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

// MustRegister is like Register but panics on error.
func MustRegister[T Event](r *Registry) {
	if err := Register[T](r); err != nil {
		panic(err)
	}
}

// Decode decodes payload with the decoder registered for kind.
//
// Returns *UnknownEventKindError if no decoder is registered.
func (r *Registry) Decode(kind string, payload []byte) (Event, error) {
	r.mu.RLock()
	dec, ok := r.decoders[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownEventKindError{Kind: kind}
	}
	ev, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %q: %w", kind, err)
	}
	if ev == nil {
		return nil, fmt.Errorf("decoder returned nil for event: %s", kind)
	}
	return ev, nil
}

// Require returns an error naming every kind that has no registered decoder.
func (r *Registry) Require(kinds ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, kind := range kinds {
		if _, ok := r.decoders[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("event kinds not registered: %v: %w", missing, ErrUnknownEventKind)
	}
	return nil
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.decoders))
	for kind := range r.decoders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Encode serializes the payload of an event for persistence.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", ev.EventType(), err)
	}
	return payload, nil
}
