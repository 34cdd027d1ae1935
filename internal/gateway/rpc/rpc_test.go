package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novahq/nova/internal/common/errors"
	"github.com/novahq/nova/internal/common/logger"
)

func TestDecodeValidRequest(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"plugin.list"}`))
	require.Nil(t, errResp)
	assert.Equal(t, "plugin.list", req.Method)
	assert.Equal(t, "1", string(req.ID))
	assert.False(t, req.IsNotification())
}

func TestDecodeNotification(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"session.unsubscribe","params":{"session_id":"s"}}`))
	require.Nil(t, errResp)
	assert.True(t, req.IsNotification())
}

func TestDecodeParseError(t *testing.T) {
	_, errResp := Decode([]byte(`{broken json`))
	require.NotNil(t, errResp)
	require.NotNil(t, errResp.Error)
	assert.Equal(t, apperrors.RPCParseError, errResp.Error.Code)
}

func TestDecodeInvalidRequest(t *testing.T) {
	// valid JSON, wrong version
	_, errResp := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	require.NotNil(t, errResp)
	assert.Equal(t, apperrors.RPCInvalidRequest, errResp.Error.Code)

	// missing method
	_, errResp = Decode([]byte(`{"jsonrpc":"2.0","id":2}`))
	require.NotNil(t, errResp)
	assert.Equal(t, apperrors.RPCInvalidRequest, errResp.Error.Code)
}

func TestResponseShapes(t *testing.T) {
	data, err := json.Marshal(NewResponse(json.RawMessage("7"), map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"n":1}}`, string(data))

	data, err = json.Marshal(NewErrorResponse(json.RawMessage(`"abc"`), apperrors.RPCMethodNotFound, "nope"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","error":{"code":-32601,"message":"nope"}}`, string(data))

	data, err = json.Marshal(NewNotification("session.event", map[string]string{"x": "y"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"session.event","params":{"x":"y"}}`, string(data))
}

func TestErrorFromAppError(t *testing.T) {
	rpcErr := ErrorFrom(apperrors.SessionNotFound("s1"))
	assert.Equal(t, apperrors.RPCSessionNotFound, rpcErr.Code)

	rpcErr = ErrorFrom(apperrors.PluginNotFound("p"))
	assert.Equal(t, apperrors.RPCPluginNotFound, rpcErr.Code)

	rpcErr = ErrorFrom(assert.AnError)
	assert.Equal(t, apperrors.RPCInternalError, rpcErr.Code)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewDispatcher(log)
}

func TestDispatcherMethodNotFound(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "ghost.method", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCMethodNotFound, ErrorCode(err))

	rpcErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "Method not found: ghost.method", rpcErr.Message)
}

func TestDispatcherRoutes(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register("echo", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p map[string]string
		if err := UnmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return p, nil
	})

	result, err := d.Dispatch(context.Background(), "echo", json.RawMessage(`{"a":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, result)

	assert.Equal(t, []string{"echo"}, d.Methods())
}

func TestUnmarshalParamsInvalid(t *testing.T) {
	var v struct {
		N int `json:"n"`
	}
	err := UnmarshalParams(json.RawMessage(`{"n":"not a number"}`), &v)
	require.Error(t, err)
	assert.Equal(t, apperrors.RPCInvalidParams, ErrorCode(err))

	// empty params are fine
	assert.NoError(t, UnmarshalParams(nil, &v))
}
