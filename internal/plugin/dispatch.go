package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"edgeproxy/internal/stream"
)

// Dispatcher turns plugin handlers into stream hooks.
type Dispatcher struct {
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.With("component", "plugin_dispatcher")}
}

type result struct {
	data []byte
	err  error
}

// Hook returns the hook for ev on p. The side (request or response) is
// fixed by whether x carries a target response. A plugin without the
// handler yields a hook that passes data through.
func (d *Dispatcher) Hook(p *Plugin, ev Event, x *Exchange) stream.Hook {
	name := HandlerName(ev, x.TargetResponse != nil)
	inv, ok := p.handlers[name]
	if !ok {
		return func(context.Context, []byte) ([]byte, error) { return nil, nil }
	}
	return func(ctx context.Context, data []byte) ([]byte, error) {
		return d.invoke(ctx, p, name, inv, x, data)
	}
}

// Chain returns the hooks for ev across plugins, in order, skipping plugins
// that do not handle the event.
func (d *Dispatcher) Chain(plugins []*Plugin, ev Event, x *Exchange) []stream.Hook {
	name := HandlerName(ev, x.TargetResponse != nil)
	var hooks []stream.Hook
	for _, p := range plugins {
		if !p.Handles(name) {
			continue
		}
		hooks = append(hooks, d.Hook(p, ev, x))
	}
	return hooks
}

func (d *Dispatcher) invoke(ctx context.Context, p *Plugin, name string, inv invoker, x *Exchange, data []byte) ([]byte, error) {
	done := make(chan result, 1)
	var once sync.Once
	next := func(err error, out []byte) {
		once.Do(func() { done <- result{data: out, err: err} })
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("plugin handler panicked",
					"plugin", p.ID,
					"handler", name,
					"panic", r,
				)
				next(fmt.Errorf("panic: %v", r), nil)
			}
		}()
		inv(x, data, next)
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var he *HandlerError
			if errors.As(r.err, &he) {
				return nil, r.err
			}
			return nil, &HandlerError{PluginID: p.ID, Handler: name, Err: r.err}
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
