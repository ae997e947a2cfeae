package server

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/fiber"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

func typeOf(v any) reflect.Type { return reflect.TypeOf(v) }

// driveWheel runs w's harvest loop until ctx is canceled, standing in
// for the poller that drives a scheduler's timer wheel in production.
func driveWheel(ctx context.Context, w *scheduler.TimerWheel) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, cb := range w.HarvestExpired(now) {
				cb()
			}
		}
	}
}

func newTestServer(t *testing.T, killTimeout time.Duration) *Server {
	t.Helper()
	sched := scheduler.New("server-test", 2)
	require.NoError(t, sched.Start(context.Background()))
	wheel := scheduler.NewTimerWheel(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go driveWheel(ctx, wheel)

	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})
	return New(sched, wheel, killTimeout)
}

// inlineResumer drives Submit synchronously, enough for a test's own
// client-side session that only ever sends from the test goroutine.
type inlineResumer struct{}

func (inlineResumer) Submit(t *fiber.Task) { t.Continue(make(chan struct{}, 1)) }

func dialServer(t *testing.T, s *Server) *session.Session {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go s.Serve(context.Background(), ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return session.New(conn, inlineResumer{})
}

func taskCtx() context.Context {
	task := fiber.New(func(ctx context.Context) {})
	return fiber.WithTask(context.Background(), task)
}

func callMethod(t *testing.T, sess *session.Session, name string, args []any) protocol.Result {
	t.Helper()
	body, err := protocol.EncodeMethodRequest(name, args)
	require.NoError(t, err)

	require.NoError(t, sess.Send(taskCtx(), protocol.Frame{
		MsgType:    protocol.RPCMethodRequest,
		SequenceID: 1,
		Body:       body,
	}))

	resp, err := sess.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, protocol.RPCMethodResponse, resp.MsgType)

	result, err := protocol.DecodeResult(resp.Body, nil)
	require.NoError(t, err)
	return result
}

func TestServer_DispatchSuccess(t *testing.T) {
	s := newTestServer(t, time.Second)
	require.NoError(t, s.RegisterMethod("echo", func(msg string) (string, error) {
		return "got:" + msg, nil
	}))

	sess := dialServer(t, s)

	body, err := protocol.EncodeMethodRequest("echo", []any{"hi"})
	require.NoError(t, err)
	require.NoError(t, sess.Send(taskCtx(), protocol.Frame{
		MsgType: protocol.RPCMethodRequest, SequenceID: 1, Body: body,
	}))

	resp, err := sess.Recv(context.Background())
	require.NoError(t, err)

	var want string
	result, err := protocol.DecodeResult(resp.Body, typeOf(want))
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, result.Code)
	assert.Equal(t, "got:hi", result.Value)
}

func TestServer_DispatchNoMethod(t *testing.T) {
	s := newTestServer(t, time.Second)
	sess := dialServer(t, s)

	result := callMethod(t, sess, "missing", nil)
	assert.Equal(t, protocol.NoMethod, result.Code)
}

func TestServer_DispatchHandlerError(t *testing.T) {
	s := newTestServer(t, time.Second)
	require.NoError(t, s.RegisterMethod("fail", func() error {
		return errors.New("boom")
	}))

	sess := dialServer(t, s)

	result := callMethod(t, sess, "fail", nil)
	assert.Equal(t, protocol.Fail, result.Code)
	assert.Equal(t, "boom", result.Msg)
}

func TestServer_HeartbeatEcho(t *testing.T) {
	s := newTestServer(t, time.Second)
	sess := dialServer(t, s)

	require.NoError(t, sess.Send(taskCtx(), protocol.Frame{MsgType: protocol.HeartbeatPacket, SequenceID: 9}))
	resp, err := sess.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.HeartbeatPacket, resp.MsgType)
	assert.Equal(t, uint32(9), resp.SequenceID)
}

func TestServer_SubscribePublishFanout(t *testing.T) {
	s := newTestServer(t, time.Second)
	sess := dialServer(t, s)

	require.NoError(t, sess.Send(taskCtx(), protocol.Frame{
		MsgType: protocol.RPCSubscribeRequest, SequenceID: 1, Body: []byte("topic-a"),
	}))
	ack, err := sess.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.RPCSubscribeResponse, ack.MsgType)

	require.NoError(t, s.Publish("topic-a", "hello"))

	pub, err := sess.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.RPCPublishRequest, pub.MsgType)

	topic, valueBody, err := protocol.DecodePublish(pub.Body)
	require.NoError(t, err)
	assert.Equal(t, "topic-a", topic)

	ba := bytearray.New(0)
	ba.Write(valueBody)
	require.NoError(t, ba.SetPosition(0))
	var got string
	require.NoError(t, protocol.NewSerializer(ba).Unmarshal(reflect.ValueOf(&got).Elem()))
	assert.Equal(t, "hello", got)
}

func TestServer_KillTimerClosesIdleConnection(t *testing.T) {
	s := newTestServer(t, 20*time.Millisecond)
	sess := dialServer(t, s)

	_, err := sess.Recv(context.Background())
	assert.Error(t, err)
}
