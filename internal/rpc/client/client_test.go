package client

import (
	"context"
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

type inlineResumer struct{}

func (inlineResumer) Submit(t *fiber.Task) { t.Continue(make(chan struct{}, 1)) }

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

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *scheduler.TimerWheel) {
	t.Helper()
	sched := scheduler.New("client-test", 4)
	require.NoError(t, sched.Start(context.Background()))
	wheel := scheduler.NewTimerWheel(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go driveWheel(ctx, wheel)

	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})
	return sched, wheel
}

// fakeServer accepts a single connection and calls handle for every
// frame it receives, for tests that only need the client side of the
// protocol exercised.
func fakeServer(t *testing.T, ln net.Listener, handle func(sess *session.Session, frame protocol.Frame)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		sess := session.New(conn, inlineResumer{})
		for {
			frame, err := sess.Recv(context.Background())
			if err != nil {
				return
			}
			handle(sess, frame)
		}
	}()
}

func TestClient_CallSuccess(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(sess *session.Session, frame protocol.Frame) {
		if frame.MsgType != protocol.RPCMethodRequest {
			return
		}
		body := protocol.EncodeResult(protocol.Result{Code: protocol.Success, Value: "pong"})
		_ = sess.Send(context.Background(), protocol.Frame{
			MsgType: protocol.RPCMethodResponse, SequenceID: frame.SequenceID, Body: body,
		})
	})

	c, err := Dial(context.Background(), sched, wheel, ln.Addr().String(), Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	var want string
	result, err := c.Call(context.Background(), "ping", nil, typeOf(want))
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, result.Code)
	assert.Equal(t, "pong", result.Value)
}

func TestClient_CallTimeout(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, func(sess *session.Session, frame protocol.Frame) {
		// never respond
	})

	c, err := Dial(context.Background(), sched, wheel, ln.Addr().String(), Options{CallTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Call(context.Background(), "slow", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Timeout, result.Code)
}

func TestClient_CallAfterCloseReturnsClosed(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	fakeServer(t, ln, func(sess *session.Session, frame protocol.Frame) {})

	c, err := Dial(context.Background(), sched, wheel, ln.Addr().String(), Options{CallTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	result, err := c.Call(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Closed, result.Code)
}

func TestClient_SubscribeReceivesPublish(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var serverSess *session.Session
	readyCh := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverSess = session.New(conn, inlineResumer{})
		close(readyCh)
		for {
			if _, err := serverSess.Recv(context.Background()); err != nil {
				return
			}
		}
	}()

	c, err := Dial(context.Background(), sched, wheel, ln.Addr().String(), Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	received := make(chan []byte, 1)
	require.NoError(t, c.Subscribe(context.Background(), "topic-a", func(valueBody []byte) {
		received <- valueBody
	}))

	<-readyCh
	time.Sleep(20 * time.Millisecond)

	body, err := protocol.EncodePublish("topic-a", "hello")
	require.NoError(t, err)
	require.NoError(t, serverSess.Send(context.Background(), protocol.Frame{MsgType: protocol.RPCPublishRequest, Body: body}))

	select {
	case valueBody := <-received:
		ba := bytearray.New(0)
		ba.Write(valueBody)
		require.NoError(t, ba.SetPosition(0))
		got, err := ba.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("publish never delivered")
	}
}
