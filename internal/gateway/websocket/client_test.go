package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/plugin"
)

// newTestClient builds a client without a live connection; frames queued by
// sendJSON are read straight off the send channel.
func newTestClient(t *testing.T, id string, svc *Service) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return NewClient(id, nil, NewHub(log), svc, log)
}

func recvFrame(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func startTestSession(t *testing.T, svc *Service) *plugin.Session {
	t.Helper()
	sess, err := svc.Invoke(context.Background(), InvokeParams{ProjectPath: "/w", Prompt: "hi"})
	require.NoError(t, err)
	return sess
}

func TestClientSubscriptionDeliversNotifications(t *testing.T) {
	svc, stub, _ := newTestService(t)
	sess := startTestSession(t, svc)
	c := newTestClient(t, "c1", svc)

	// The registry holds one internal stream per session; the client adds
	// exactly one more.
	before := stub.activeStreams(sess.ID)
	c.subscribeSession(sess.ID)
	require.Equal(t, before+1, stub.activeStreams(sess.ID))

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})

	frame := recvFrame(t, c)
	assert.Equal(t, NotificationMethod, frame["method"])
	params, ok := frame["params"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, sess.ID, params["session_id"])
	requireNoFrame(t, c)
}

func TestClientDoubleSubscribeDeliversOnce(t *testing.T) {
	// Invoke auto-subscribes and an explicit session.subscribe follows;
	// the second subscription must be a no-op.
	svc, stub, _ := newTestService(t)
	sess := startTestSession(t, svc)
	c := newTestClient(t, "c1", svc)

	c.subscribeSession(sess.ID)
	before := stub.activeStreams(sess.ID)
	c.subscribeSession(sess.ID)
	assert.Equal(t, before, stub.activeStreams(sess.ID))

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	recvFrame(t, c)
	requireNoFrame(t, c)
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	svc, stub, _ := newTestService(t)
	sess := startTestSession(t, svc)
	c := newTestClient(t, "c1", svc)

	c.subscribeSession(sess.ID)
	c.unsubscribeSession(sess.ID)

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	requireNoFrame(t, c)
}

func TestClientDisconnectCancelsOnlyItsSubscriptions(t *testing.T) {
	svc, stub, _ := newTestService(t)
	sess := startTestSession(t, svc)
	a := newTestClient(t, "a", svc)
	b := newTestClient(t, "b", svc)

	a.subscribeSession(sess.ID)
	b.subscribeSession(sess.ID)

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	recvFrame(t, a)
	recvFrame(t, b)

	a.clearSubscriptions()

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	requireNoFrame(t, a)
	recvFrame(t, b)
}

func TestClientSubscribeFrame(t *testing.T) {
	svc, stub, _ := newTestService(t)
	sess := startTestSession(t, svc)
	c := newTestClient(t, "c1", svc)

	c.handleFrame(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"session.subscribe","params":{"session_id":"`+sess.ID+`"}}`))

	ack := recvFrame(t, c)
	result, ok := ack["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["subscribed"])

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	frame := recvFrame(t, c)
	assert.Equal(t, NotificationMethod, frame["method"])

	c.handleFrame(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"session.unsubscribe","params":{"sessionId":"`+sess.ID+`"}}`))
	ack = recvFrame(t, c)
	result, ok = ack["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["unsubscribed"])

	stub.emit(sess.ID, plugin.Event{SessionID: sess.ID, Type: plugin.EventOutput})
	requireNoFrame(t, c)
}
