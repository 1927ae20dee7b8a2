package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/internal/metrics"
	"github.com/gander-ai/gander/types"
)

// DefaultToolTimeout bounds a single tool execution unless the
// dispatcher is configured otherwise.
const DefaultToolTimeout = 60 * time.Second

// FrontendHandler executes a frontend-annotated tool on behalf of the
// embedding client. The agent never dispatches such calls internally.
type FrontendHandler func(ctx context.Context, call types.ToolCall) (json.RawMessage, error)

// Dispatcher executes a batch of tool calls against the extension
// registry. Failures of any kind become error results fed back to the
// model; Dispatch itself never fails.
//
// Calls whose tools are not flagged Destructive run concurrently.
// Destructive calls run one at a time after the concurrent batch has
// drained. Results always come back in request order, and extensions
// that do not declare concurrency safety serve one call at a time.
type Dispatcher struct {
	registry *extension.Registry
	frontend FrontendHandler
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *extension.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		timeout:  DefaultToolTimeout,
		logger:   logger.With(zap.String("component", "dispatcher")),
		locks:    make(map[string]*semaphore.Weighted),
	}
}

// WithFrontendHandler installs the callback for frontend tools.
func (d *Dispatcher) WithFrontendHandler(fn FrontendHandler) *Dispatcher {
	d.frontend = fn
	return d
}

// WithTimeout sets the per-call execution timeout. Non-positive
// values disable the timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// WithMetrics attaches a collector. A nil collector is fine.
func (d *Dispatcher) WithMetrics(c *metrics.Collector) *Dispatcher {
	d.metrics = c
	return d
}

// Dispatch executes calls and returns one result per call, in request
// order regardless of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []types.ToolCall) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))
	targets := make([]extension.Target, len(calls))

	var concurrent, destructive []int
	for i, call := range calls {
		target, ok := d.registry.Resolve(call.Name)
		if !ok {
			d.logger.Warn("unknown tool requested", zap.String("tool", call.Name))
			d.metrics.RecordToolExecution("unknown", call.Name, "not_found", 0)
			results[i] = types.ErrorResult(call,
				fmt.Sprintf("tool %s not found: no extension provides it", call.Name))
			continue
		}
		targets[i] = target
		if target.Schema.Annotations.Destructive {
			destructive = append(destructive, i)
		} else {
			concurrent = append(concurrent, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range concurrent {
		i := i
		g.Go(func() error {
			results[i] = d.execute(gctx, calls[i], targets[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range destructive {
		results[i] = d.execute(ctx, calls[i], targets[i])
	}

	return results
}

// execute runs one resolved call and converts every failure into an
// error result.
func (d *Dispatcher) execute(ctx context.Context, call types.ToolCall, target extension.Target) types.ToolResult {
	start := time.Now()

	if target.Kind == extension.TargetFrontend {
		return d.executeFrontend(ctx, call, target, start)
	}

	conn, ok := d.registry.Connection(target.ExtensionID)
	if !ok {
		d.metrics.RecordToolExecution(target.ExtensionID, target.Tool, "unavailable", time.Since(start))
		return types.ErrorResult(call,
			fmt.Sprintf("extension %s is unavailable", target.ExtensionID))
	}

	if !conn.ConcurrencySafe() {
		lock := d.extensionLock(target.ExtensionID)
		if err := lock.Acquire(ctx, 1); err != nil {
			return d.finish(call, target, start, nil, err)
		}
		defer lock.Release(1)
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	d.logger.Debug("dispatching tool call",
		zap.String("tool", call.Name),
		zap.String("extension", target.ExtensionID),
		zap.String("call_id", call.ID))

	raw, err := conn.CallTool(callCtx, target.Tool, call.Arguments)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		terr := types.NewError(types.ErrTimeout,
			fmt.Sprintf("tool %s timed out after %s", call.Name, d.timeout)).WithRetryable(true)
		err = terr
	}
	return d.finish(call, target, start, raw, err)
}

func (d *Dispatcher) executeFrontend(ctx context.Context, call types.ToolCall, target extension.Target, start time.Time) types.ToolResult {
	if d.frontend == nil {
		d.metrics.RecordToolExecution(target.ExtensionID, target.Tool, "error", time.Since(start))
		return types.ErrorResult(call,
			fmt.Sprintf("tool %s must run on the frontend, but no frontend handler is configured", call.Name))
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	raw, err := d.frontend(callCtx, call)
	return d.finish(call, target, start, raw, err)
}

// finish builds the result and records metrics for one execution.
func (d *Dispatcher) finish(call types.ToolCall, target extension.Target, start time.Time, raw json.RawMessage, err error) types.ToolResult {
	duration := time.Since(start)

	if err != nil {
		status := "error"
		if types.IsErrorCode(err, types.ErrTimeout) {
			status = "timeout"
		} else if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}
		d.metrics.RecordToolExecution(target.ExtensionID, target.Tool, status, duration)
		d.logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.String("extension", target.ExtensionID),
			zap.Duration("duration", duration),
			zap.Error(err))

		result := types.ErrorResult(call, err.Error())
		result.Duration = duration
		return result
	}

	d.metrics.RecordToolExecution(target.ExtensionID, target.Tool, "ok", duration)
	return types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Result:     raw,
		Duration:   duration,
	}
}

func (d *Dispatcher) extensionLock(id string) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[id]
	if !ok {
		lock = semaphore.NewWeighted(1)
		d.locks[id] = lock
	}
	return lock
}
