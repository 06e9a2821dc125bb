package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Message is what a Handler sees.
type Message struct {
	MessageID  string
	RoutingKey string
	Payload    json.RawMessage
	// Attempt is 1 on first delivery and grows with every sweeper retry.
	Attempt int
}

// Handler applies the side effects of one message. Writes made through ctx
// commit together with the done status, so an attempt that does not finish
// leaves nothing behind. A returned error rolls them back and is recorded
// for the sweeper to retry. Handlers may be called again within one attempt
// when the store retries a transient transaction error.
type Handler func(ctx context.Context, msg Message) error

// HandlerRegistry maps routing keys to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds handler to routingKey. A key can be registered once.
func (r *HandlerRegistry) Register(routingKey string, handler Handler) error {
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		return ErrRoutingKeyRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[routingKey]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, routingKey)
	}

	r.handlers[routingKey] = handler

	return nil
}

// Lookup returns the handler for routingKey.
func (r *HandlerRegistry) Lookup(routingKey string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[routingKey]

	return handler, ok
}

// RoutingKeys returns the registered keys, sorted. Subscribers bind one
// queue binding per key.
func (r *HandlerRegistry) RoutingKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}
