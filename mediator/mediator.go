// Package mediator is an in-process command bus: each command type has
// exactly one handler.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrNoHandler     = errors.New("no handler registered for the command")
	ErrHandlerExists = errors.New("a handler is already registered for the command")
)

// Handler handles commands of type C.
type Handler[C any] func(ctx context.Context, cmd C) error

type Mediator struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]any
}

func New() *Mediator {
	return &Mediator{handlers: map[reflect.Type]any{}}
}

func typeOf[C any]() reflect.Type {
	return reflect.TypeOf((*C)(nil)).Elem()
}

// Register binds h to the command type C.
func Register[C any](m *Mediator, h Handler[C]) error {
	if h == nil {
		return errors.New("a handler is required")
	}
	t := typeOf[C]()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, t)
	}
	m.handlers[t] = h
	return nil
}

// Send hands cmd to the handler registered for C.
func Send[C any](ctx context.Context, m *Mediator, cmd C) error {
	t := typeOf[C]()
	m.mu.RLock()
	h, ok := m.handlers[t]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	return h.(Handler[C])(ctx, cmd)
}
