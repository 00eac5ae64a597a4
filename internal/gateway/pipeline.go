package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edgeproxy/internal/config"
	"edgeproxy/internal/middleware"
	"edgeproxy/internal/model"
	"edgeproxy/internal/plugin"
	"edgeproxy/internal/route"
	"edgeproxy/internal/stream"
	"edgeproxy/internal/target"
	"edgeproxy/internal/tracing"
)

// Pipeline runs one transaction per inbound request: routing, plugin
// pre-flow, target dispatch, post-flow and response relay.
type Pipeline struct {
	matcher    *route.Matcher
	sequencer  *plugin.Sequencer
	dispatcher *plugin.Dispatcher
	builder    *target.Builder
	stats      model.Stats
	tracer     *tracing.Tracer
	headers    config.HeadersConfig
	logger     *slog.Logger
}

// NewPipeline creates a Pipeline. stats and tracer may be nil.
func NewPipeline(
	cfg *config.Config,
	matcher *route.Matcher,
	sequencer *plugin.Sequencer,
	builder *target.Builder,
	stats model.Stats,
	tracer *tracing.Tracer,
	logger *slog.Logger,
) *Pipeline {
	if stats == nil {
		stats = model.NopStats{}
	}
	return &Pipeline{
		matcher:    matcher,
		sequencer:  sequencer,
		dispatcher: plugin.NewDispatcher(logger),
		builder:    builder,
		stats:      stats,
		tracer:     tracer,
		headers:    cfg.Headers,
		logger:     logger.With("component", "pipeline"),
	}
}

// Handle serves one transaction. Failures are answered here, so the
// returned error is always nil.
func (p *Pipeline) Handle(c echo.Context) error {
	req := c.Request()
	res := c.Response()

	tx := newTransaction(req, res)
	ctx := withTransaction(req.Context(), tx)
	ctx = p.tracer.StartRequest(ctx, req, tx.CorrelationID)
	req = req.WithContext(ctx)
	c.SetRequest(req)
	tx.SourceRequest = req
	c.Set(middleware.CorrelationIDKey, tx.CorrelationID)

	r := p.matcher.Match(req.URL.Path)
	if r == nil {
		p.respondError(ctx, c, tx, classify(ErrNoRoute))
		return nil
	}
	tx.Route = r
	c.Set(middleware.RouteKey, r.BasePath)

	tx.setState(StatePreFlow)
	tx.Sequence = p.sequencer.ForURL(req.URL.RequestURI())
	reqX := &plugin.Exchange{Request: req, Response: res}
	tx.exchange.Store(reqX)

	stop := context.AfterFunc(ctx, func() { p.clientClosed(ctx, tx) })
	defer stop()

	if err := p.runMain(ctx, tx.Sequence.Preflow, reqX); err != nil {
		p.pluginFailure(ctx, c, tx, err, tx.Sequence.Preflow)
		return nil
	}

	tx.setState(StateTargetDispatch)
	body, reqT, err := p.requestBody(ctx, req, tx.Sequence.Preflow, reqX)
	if err != nil {
		p.pluginFailure(ctx, c, tx, err, tx.Sequence.Preflow)
		return nil
	}

	ob, err := p.builder.Build(ctx, req, r, tx.CorrelationID, body)
	if err != nil {
		// Unblocks the transform goroutine feeding a piped body.
		if rc, ok := body.(io.Closer); ok {
			_ = rc.Close()
		}
		p.pluginFailure(ctx, c, tx, err, tx.Sequence.Preflow)
		return nil
	}
	defer ob.Release()

	tx.applyOverrides(ob.Request.Header)
	tx.TargetRequest = ob.Request
	tx.TargetHostname, tx.TargetPort, tx.TargetPath = ob.Hostname, ob.Port, ob.Path
	tctx := p.tracer.StartTarget(ctx, ob.Request)

	p.stats.IncrementRequestCount()
	tx.setState(StateAwaitTarget)
	resp, err := ob.Do()
	if err != nil {
		p.tracer.EndTarget(tctx, 0, err)
		p.stats.IncrementRequestErrorCount()
		if reqT != nil && reqT.Err() != nil {
			p.pluginFailure(ctx, c, tx, reqT.Err(), tx.Sequence.Preflow)
			return nil
		}
		cause := p.runErrorHooks(ctx, tx, tx.Sequence.Preflow, err)
		p.respondError(ctx, c, tx, targetFailure(cause, ob.TimedOut()))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	p.tracer.EndTarget(tctx, resp.StatusCode, nil)

	tx.TargetResponse = resp
	resX := &plugin.Exchange{Request: req, Response: res, TargetResponse: resp}
	tx.exchange.Store(resX)

	tx.setState(StatePostFlow)
	if err := p.runMain(ctx, tx.Sequence.Postflow, resX); err != nil {
		p.pluginFailure(ctx, c, tx, err, tx.Sequence.Postflow)
		return nil
	}

	tx.setState(StateStreaming)
	target.CopyResponseHeaders(res.Header(), resp.Header)
	if p.headers.Enabled("x-response-time") {
		res.Header().Set("X-Response-Time", strconv.FormatInt(time.Since(tx.Start).Milliseconds(), 10))
	}
	res.WriteHeader(resp.StatusCode)
	res.Flush()

	resT := stream.New(
		p.dispatcher.Chain(tx.Sequence.Postflow, plugin.EventData, resX),
		p.dispatcher.Chain(tx.Sequence.Postflow, plugin.EventEnd, resX),
	)
	if _, err := resT.Copy(ctx, res, resp.Body); err != nil {
		p.stats.IncrementResponseErrorCount()
		p.pluginFailure(ctx, c, tx, err, tx.Sequence.Postflow)
		// Headers are already out: cut the connection so the client sees a
		// truncated response instead of a clean end.
		panic(http.ErrAbortHandler)
	}

	p.finalize(ctx, tx, res.Status)
	return nil
}

func (p *Pipeline) runMain(ctx context.Context, plugins []*plugin.Plugin, x *plugin.Exchange) error {
	_, err := stream.Run(ctx, p.dispatcher.Chain(plugins, plugin.EventMain, x), nil)
	return err
}

// requestBody returns the reader to send to the target. With data or end
// hooks the client body streams through them; without a client body the end
// chain still runs once and may supply one.
func (p *Pipeline) requestBody(ctx context.Context, req *http.Request, plugins []*plugin.Plugin, x *plugin.Exchange) (io.Reader, *stream.Transform, error) {
	t := stream.New(
		p.dispatcher.Chain(plugins, plugin.EventData, x),
		p.dispatcher.Chain(plugins, plugin.EventEnd, x),
	)
	hasBody := req.Body != nil && req.Body != http.NoBody &&
		(req.ContentLength != 0 || len(req.TransferEncoding) > 0)

	switch {
	case t.Empty() && hasBody:
		return req.Body, nil, nil
	case t.Empty():
		return nil, nil, nil
	case hasBody:
		return t.Pipe(ctx, req.Body), t, nil
	}

	var buf bytes.Buffer
	if _, err := t.Copy(ctx, &buf, http.NoBody); err != nil {
		return nil, t, err
	}
	if buf.Len() == 0 {
		return nil, t, nil
	}
	return &buf, t, nil
}

// pluginFailure ends the transaction after a hook or stream error. A plugin
// that answered the client itself ends it normally.
func (p *Pipeline) pluginFailure(ctx context.Context, c echo.Context, tx *Transaction, err error, plugins []*plugin.Plugin) {
	if errors.Is(err, plugin.ErrHandled) {
		p.logger.Debug("transaction handled by plugin", "correlation_id", tx.CorrelationID)
		p.finalize(ctx, tx, c.Response().Status)
		return
	}
	cause := p.runErrorHooks(ctx, tx, plugins, err)
	p.respondError(ctx, c, tx, classify(cause))
}

// runErrorHooks gives the active plugins' error handlers a chance to
// observe cause. A handler that reports its own error replaces it.
func (p *Pipeline) runErrorHooks(ctx context.Context, tx *Transaction, plugins []*plugin.Plugin, cause error) error {
	cur := tx.exchange.Load()
	if cur == nil || len(plugins) == 0 {
		return cause
	}
	x := *cur
	x.Err = cause
	hooks := p.dispatcher.Chain(plugins, plugin.EventError, &x)
	if _, err := stream.Run(context.WithoutCancel(ctx), hooks, nil); err != nil {
		return err
	}
	return cause
}

// respondError answers the client with e unless the response is already
// committed or the client is gone, then finalizes.
func (p *Pipeline) respondError(ctx context.Context, c echo.Context, tx *Transaction, e *Error) {
	failedIn := tx.State()
	tx.setState(StateError)
	res := c.Response()
	req := c.Request()

	level := slog.LevelError
	if e.Status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "transaction failed",
		"correlation_id", tx.CorrelationID,
		"state", failedIn.String(),
		"status", e.Status,
		"code", e.Code,
		"err", redact(e.Error()),
		"method", req.Method,
		"path", req.URL.Path,
	)

	if tx.TargetResponse == nil {
		p.tracer.SetRequestError(ctx, e, e.Status)
	} else {
		p.tracer.SetResponseError(ctx, e, e.Status)
	}
	tx.spanDone.Store(true)

	if res.Committed {
		p.finalize(ctx, tx, res.Status)
		return
	}
	if ctx.Err() != nil {
		// Nobody is listening; record the classified status all the same.
		p.finalize(ctx, tx, e.Status)
		return
	}
	if err := c.JSON(e.Status, model.ErrorBody{Message: e.Message, Code: e.Code}); err != nil {
		p.logger.Debug("writing error response", "correlation_id", tx.CorrelationID, "err", err)
	}
	p.finalize(ctx, tx, e.Status)
}

// finalize records the outcome exactly once per transaction.
func (p *Pipeline) finalize(ctx context.Context, tx *Transaction, status int) {
	tx.finish.Do(func() {
		if tx.State() != StateError {
			tx.setState(StateDone)
		}
		p.stats.IncrementResponseCount()
		p.stats.IncrementStatusCount(status)
		if !tx.spanDone.Swap(true) {
			p.tracer.FinishRequest(ctx, status)
		}
		p.logger.Debug("transaction finished",
			"correlation_id", tx.CorrelationID,
			"state", tx.State().String(),
			"status", status,
			"target_host", tx.TargetHostname,
			"target_path", tx.TargetPath,
			"duration_ms", time.Since(tx.Start).Milliseconds(),
		)
	})
}

// clientClosed runs close handlers when the client goes away before the
// transaction finished.
func (p *Pipeline) clientClosed(ctx context.Context, tx *Transaction) {
	x := tx.exchange.Load()
	if x == nil {
		return
	}
	plugins := tx.Sequence.Preflow
	if x.TargetResponse != nil {
		plugins = tx.Sequence.Postflow
	}
	p.logger.Debug("client closed connection",
		"correlation_id", tx.CorrelationID,
		"state", tx.State().String(),
	)
	hooks := p.dispatcher.Chain(plugins, plugin.EventClose, x)
	if _, err := stream.Run(context.WithoutCancel(ctx), hooks, nil); err != nil {
		p.logger.Warn("close handler failed", "correlation_id", tx.CorrelationID, "err", err)
	}
}
