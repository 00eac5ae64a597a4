// Package gateway drives proxied transactions from routing to response relay
// and hosts the inbound server.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"edgeproxy/internal/plugin"
	"edgeproxy/internal/route"
)

// State is a transaction's position in the pipeline.
type State int32

const (
	StateRouting State = iota
	StatePreFlow
	StateTargetDispatch
	StateAwaitTarget
	StatePostFlow
	StateStreaming
	StateDone
	StateError
)

var stateNames = [...]string{
	StateRouting:        "ROUTING",
	StatePreFlow:        "PRE_FLOW",
	StateTargetDispatch: "TARGET_DISPATCH",
	StateAwaitTarget:    "AWAIT_TARGET_RESPONSE",
	StatePostFlow:       "POST_FLOW",
	StateStreaming:      "STREAMING",
	StateDone:           "DONE",
	StateError:          "ERROR",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Transaction is the per-request context. It is owned by the goroutine
// serving the request; plugins reach it through TransactionFromRequest.
type Transaction struct {
	CorrelationID string
	Start         time.Time

	SourceRequest  *http.Request
	SourceResponse http.ResponseWriter
	TargetRequest  *http.Request
	TargetResponse *http.Response

	TargetHostname string
	TargetPort     string
	TargetPath     string

	Route    *route.Route
	Sequence plugin.Sequence

	state    atomic.Int32
	exchange atomic.Pointer[plugin.Exchange]
	spanDone atomic.Bool
	finish   sync.Once

	mu        sync.Mutex
	overrides http.Header
	unset     []string
}

func newTransaction(req *http.Request, res http.ResponseWriter) *Transaction {
	return &Transaction{
		CorrelationID:  uuid.NewString(),
		Start:          time.Now(),
		SourceRequest:  req,
		SourceResponse: res,
	}
}

type txKey struct{}

// TransactionFromRequest returns the transaction serving r, or nil.
func TransactionFromRequest(r *http.Request) *Transaction {
	tx, _ := r.Context().Value(txKey{}).(*Transaction)
	return tx
}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// State returns the current pipeline state.
func (t *Transaction) State() State {
	return State(t.state.Load())
}

func (t *Transaction) setState(s State) {
	t.state.Store(int32(s))
}

// SetOverrideHeader sets a header on the target request after the
// forwarding rules have run.
func (t *Transaction) SetOverrideHeader(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overrides == nil {
		t.overrides = make(http.Header)
	}
	t.overrides.Set(name, value)
}

// UnsetHeader removes a header from the target request after the
// forwarding rules have run.
func (t *Transaction) UnsetHeader(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unset = append(t.unset, name)
	if t.overrides != nil {
		t.overrides.Del(name)
	}
}

func (t *Transaction) applyOverrides(h http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range t.unset {
		h.Del(name)
	}
	for k, vv := range t.overrides {
		h[k] = append([]string(nil), vv...)
	}
}
