// Package messaging delivers intervention commands to device channels: an
// in-app inbox polled by clients, Twilio phone calls and SMS, and a log sink.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/models"
)

// ErrNoTransport is returned when no transport handles a command's method.
var ErrNoTransport = errors.New("no transport for method")

// Transport is a pluggable delivery channel.
type Transport interface {
	Send(ctx context.Context, cmd models.DeliveryCommand) error
}

// Router dispatches commands to the transport registered for their method.
type Router struct {
	mu       sync.RWMutex
	routes   map[models.Method]Transport
	fallback Transport
}

var _ engine.Transport = (*Router)(nil)

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Transport) *Router {
	return &Router{routes: make(map[models.Method]Transport), fallback: fallback}
}

// Handle registers t for method, replacing any previous transport.
func (r *Router) Handle(method models.Method, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[method] = t
}

// Send implements engine.Transport.
func (r *Router) Send(ctx context.Context, cmd models.DeliveryCommand) error {
	r.mu.RLock()
	t, ok := r.routes[cmd.Method]
	if !ok {
		t = r.fallback
	}
	r.mu.RUnlock()
	if t == nil {
		return fmt.Errorf("%w %s", ErrNoTransport, cmd.Method)
	}
	return t.Send(ctx, cmd)
}

// Fanout sends every command to all transports and fails if any fails.
type Fanout []Transport

// Send implements Transport.
func (f Fanout) Send(ctx context.Context, cmd models.DeliveryCommand) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(ctx, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
