// Package plugin loads gateway plugins, orders them per request URL and
// adapts their handlers into stream hooks.
package plugin

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Event is a plugin lifecycle event. EventMain is the headers phase
// (onrequest / onresponse).
type Event string

const (
	EventMain  Event = ""
	EventData  Event = "data"
	EventEnd   Event = "end"
	EventError Event = "error"
	EventClose Event = "close"
)

// HandlerName returns the hook table key for an event on one side of the
// transaction, e.g. "onrequest" or "ondata_response".
func HandlerName(ev Event, responseSide bool) string {
	side := "request"
	if responseSide {
		side = "response"
	}
	if ev == EventMain {
		return "on" + side
	}
	return "on" + string(ev) + "_" + side
}

// Next delivers a handler's result. A nil data slice leaves the input
// unchanged. Passing ErrHandled ends the transaction without contacting the
// target.
type Next func(err error, data []byte)

// Handler shapes accepted in a hook table.
type (
	Handler3 func(req *http.Request, res http.ResponseWriter, next Next)
	Handler4 func(req *http.Request, res http.ResponseWriter, data []byte, next Next)
	Handler5 func(req *http.Request, res http.ResponseWriter, targetRes *http.Response, data []byte, next Next)
)

// Hooks maps handler names to handler functions.
type Hooks map[string]any

// Exchange is the view of a transaction handed to plugin handlers. An
// Exchange without a TargetResponse selects request-side handlers.
type Exchange struct {
	Request        *http.Request
	Response       http.ResponseWriter
	TargetResponse *http.Response

	// Err is the failure being reported to error handlers.
	Err error
}

// invoker is a handler resolved to a single calling convention.
type invoker func(x *Exchange, data []byte, next Next)

// Plugin is a loaded plugin with its handlers resolved once at load time.
type Plugin struct {
	ID       string
	handlers map[string]invoker
}

// New resolves every entry of hooks. Entries whose value is not one of the
// supported handler shapes are rejected.
func New(id string, hooks Hooks) (*Plugin, error) {
	if id == "" {
		return nil, errors.New("plugin: empty id")
	}
	p := &Plugin{ID: id, handlers: make(map[string]invoker, len(hooks))}
	for name, h := range hooks {
		if h == nil {
			continue
		}
		inv, err := resolve(h)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: handler %s: %w", id, name, err)
		}
		p.handlers[strings.ToLower(name)] = inv
	}
	return p, nil
}

func resolve(h any) (invoker, error) {
	switch fn := h.(type) {
	case Handler3:
		return adapt3(fn), nil
	case func(*http.Request, http.ResponseWriter, Next):
		return adapt3(fn), nil
	case Handler4:
		return adapt4(fn), nil
	case func(*http.Request, http.ResponseWriter, []byte, Next):
		return adapt4(fn), nil
	case Handler5:
		return adapt5(fn), nil
	case func(*http.Request, http.ResponseWriter, *http.Response, []byte, Next):
		return adapt5(fn), nil
	}
	return nil, fmt.Errorf("unsupported handler type %T", h)
}

func adapt3(fn Handler3) invoker {
	return func(x *Exchange, _ []byte, next Next) {
		fn(x.Request, x.Response, next)
	}
}

func adapt4(fn Handler4) invoker {
	return func(x *Exchange, data []byte, next Next) {
		fn(x.Request, x.Response, data, next)
	}
}

func adapt5(fn Handler5) invoker {
	return func(x *Exchange, data []byte, next Next) {
		fn(x.Request, x.Response, x.TargetResponse, data, next)
	}
}

// Handles reports whether the plugin defines the named handler.
func (p *Plugin) Handles(name string) bool {
	_, ok := p.handlers[name]
	return ok
}

// Handlers returns the defined handler names, sorted.
func (p *Plugin) Handlers() []string {
	names := make([]string, 0, len(p.handlers))
	for n := range p.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IDs returns the ids of plugins in order.
func IDs(plugins []*Plugin) []string {
	ids := make([]string, len(plugins))
	for i, p := range plugins {
		ids[i] = p.ID
	}
	return ids
}
