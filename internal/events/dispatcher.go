package events

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
)

// Handler processes one event. It must be idempotent.
type Handler func(ctx context.Context, e Event) error

// Dispatcher routes events to the handler registered for their family.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Family]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Family]Handler)}
}

// Register installs h for family f, replacing any previous handler.
func (d *Dispatcher) Register(f Family, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[f] = h
}

// Dispatch hands e to its family's handler. Events without one are an
// input error.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	d.mu.RLock()
	h, ok := d.handlers[e.Kind.Family()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %s", apperrors.ErrInvalidInput, e)
	}
	return h(ctx, e)
}
