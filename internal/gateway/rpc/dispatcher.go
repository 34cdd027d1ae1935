package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/common/tracing"
)

// HandlerFunc serves one JSON-RPC method. Returned errors are converted to
// JSON-RPC error objects by the transport.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher routes decoded requests to method handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   log.WithFields(zap.String("component", "rpc-dispatcher")),
	}
}

// Register binds a method name to a handler. Re-registration replaces the
// previous handler with a warning.
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[method]; exists {
		d.logger.Warn("replacing rpc handler", zap.String("method", method))
	}
	d.handlers[method] = h
}

// Dispatch invokes the handler for a method. An unknown method yields a
// method-not-found error (-32601).
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, &Error{
			Code:    apperrors.RPCMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", method),
		}
	}

	ctx, span := tracing.Tracer("rpc-dispatcher").Start(ctx, "rpc."+method)
	defer span.End()
	result, err := h(ctx, params)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// UnmarshalParams decodes params into a typed struct, mapping failures to
// invalid-params (-32602).
func UnmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{
			Code:    apperrors.RPCInvalidParams,
			Message: "invalid params: " + err.Error(),
		}
	}
	return nil
}

// ErrorCode extracts the JSON-RPC code from an error.
func ErrorCode(err error) int {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr.Code
	}
	return apperrors.GetRPCCode(err)
}
