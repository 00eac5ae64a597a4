package plugin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testDispatcher() *Dispatcher {
	return NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func requestExchange() *Exchange {
	return &Exchange{
		Request:  httptest.NewRequest(http.MethodGet, "/v1/foo", http.NoBody),
		Response: httptest.NewRecorder(),
	}
}

func mustPlugin(t *testing.T, id string, hooks Hooks) *Plugin {
	t.Helper()
	p, err := New(id, hooks)
	if err != nil {
		t.Fatalf("New(%s) error = %v", id, err)
	}
	return p
}

func TestHook_MissingHandlerPassesThrough(t *testing.T) {
	p := mustPlugin(t, "empty", Hooks{})
	out, err := testDispatcher().Hook(p, EventData, requestExchange())(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("hook error = %v", err)
	}
	if out != nil {
		t.Errorf("out = %q, want nil (unchanged)", out)
	}
}

func TestHook_SelectsSideFromTargetResponse(t *testing.T) {
	var called []string
	p := mustPlugin(t, "sides", Hooks{
		"ondata_request": func(_ *http.Request, _ http.ResponseWriter, data []byte, next Next) {
			called = append(called, "request")
			next(nil, data)
		},
		"ondata_response": func(_ *http.Request, _ http.ResponseWriter, tres *http.Response, data []byte, next Next) {
			called = append(called, "response:"+tres.Status)
			next(nil, data)
		},
	})
	d := testDispatcher()
	x := requestExchange()
	if _, err := d.Hook(p, EventData, x)(context.Background(), []byte("a")); err != nil {
		t.Fatal(err)
	}
	rx := &Exchange{Request: x.Request, Response: x.Response, TargetResponse: &http.Response{Status: "200 OK"}}
	if _, err := d.Hook(p, EventData, rx)(context.Background(), []byte("b")); err != nil {
		t.Fatal(err)
	}

	if got := strings.Join(called, ","); got != "request,response:200 OK" {
		t.Errorf("called = %q", got)
	}
}

func TestHook_ThreeArgHandlerKeepsData(t *testing.T) {
	p := mustPlugin(t, "legacy", Hooks{
		"ondata_request": func(req *http.Request, _ http.ResponseWriter, next Next) {
			req.Header.Set("X-Seen", "1")
			next(nil, nil)
		},
	})
	x := requestExchange()
	out, err := testDispatcher().Hook(p, EventData, x)(context.Background(), []byte("body"))
	if err != nil {
		t.Fatalf("hook error = %v", err)
	}
	if out != nil {
		t.Errorf("out = %q, want nil", out)
	}
	if x.Request.Header.Get("X-Seen") != "1" {
		t.Error("handler did not run")
	}
}

func TestHook_CallbackOnlyCountsOnce(t *testing.T) {
	p := mustPlugin(t, "twice", Hooks{
		"ondata_request": func(_ *http.Request, _ http.ResponseWriter, data []byte, next Next) {
			next(nil, []byte("first"))
			next(errors.New("second"), nil)
		},
	})
	out, err := testDispatcher().Hook(p, EventData, requestExchange())(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("hook error = %v, want first result", err)
	}
	if string(out) != "first" {
		t.Errorf("out = %q, want %q", out, "first")
	}
}

func TestHook_AsyncCallback(t *testing.T) {
	p := mustPlugin(t, "async", Hooks{
		"ondata_request": func(_ *http.Request, _ http.ResponseWriter, data []byte, next Next) {
			go func() {
				time.Sleep(5 * time.Millisecond)
				next(nil, bytes.ToUpper(data))
			}()
		},
	})
	out, err := testDispatcher().Hook(p, EventData, requestExchange())(context.Background(), []byte("abc"))
	if err != nil {
		t.Fatalf("hook error = %v", err)
	}
	if string(out) != "ABC" {
		t.Errorf("out = %q, want %q", out, "ABC")
	}
}

func TestHook_PanicBecomesHandlerError(t *testing.T) {
	p := mustPlugin(t, "crashy", Hooks{
		"onrequest": func(*http.Request, http.ResponseWriter, Next) {
			panic("nil map")
		},
	})
	_, err := testDispatcher().Hook(p, EventMain, requestExchange())(context.Background(), nil)
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("error = %v, want *HandlerError", err)
	}
	if he.PluginID != "crashy" || he.Handler != "onrequest" {
		t.Errorf("HandlerError = %+v", he)
	}
}

func TestHook_CallbackErrorKeepsCause(t *testing.T) {
	denied := NewError(http.StatusForbidden, "denied")
	p := mustPlugin(t, "auth", Hooks{
		"onrequest": func(_ *http.Request, _ http.ResponseWriter, next Next) {
			next(denied, nil)
		},
	})
	_, err := testDispatcher().Hook(p, EventMain, requestExchange())(context.Background(), nil)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode() != http.StatusForbidden {
		t.Fatalf("error = %v, want wrapped StatusError 403", err)
	}
}

func TestHook_HandledSignal(t *testing.T) {
	p := mustPlugin(t, "cache", Hooks{
		"onrequest": func(_ *http.Request, _ http.ResponseWriter, next Next) {
			next(ErrHandled, nil)
		},
	})
	_, err := testDispatcher().Hook(p, EventMain, requestExchange())(context.Background(), nil)
	if !errors.Is(err, ErrHandled) {
		t.Fatalf("error = %v, want ErrHandled", err)
	}
}

func TestHook_ContextCancelUnblocks(t *testing.T) {
	p := mustPlugin(t, "stuck", Hooks{
		"onrequest": func(*http.Request, http.ResponseWriter, Next) {},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := testDispatcher().Hook(p, EventMain, requestExchange())(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
}

func TestChain_SkipsPluginsWithoutHandler(t *testing.T) {
	a := mustPlugin(t, "a", Hooks{
		"ondata_request": func(_ *http.Request, _ http.ResponseWriter, data []byte, next Next) {
			next(nil, append(data, 'a'))
		},
	})
	b := mustPlugin(t, "b", Hooks{})
	c := mustPlugin(t, "c", Hooks{
		"ondata_request": func(_ *http.Request, _ http.ResponseWriter, data []byte, next Next) {
			next(nil, append(data, 'c'))
		},
	})

	hooks := testDispatcher().Chain([]*Plugin{a, b, c}, EventData, requestExchange())
	if len(hooks) != 2 {
		t.Fatalf("len(Chain) = %d, want 2", len(hooks))
	}
	data := []byte(">")
	for _, h := range hooks {
		out, err := h(context.Background(), data)
		if err != nil {
			t.Fatal(err)
		}
		data = out
	}
	if string(data) != ">ac" {
		t.Errorf("chained output = %q, want %q", data, ">ac")
	}
}
