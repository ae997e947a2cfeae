package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
)

func encodeDiscoverResponse(name string, addrs []string) []byte {
	ba := bytearray.New(0)
	ba.WriteString(name)
	ba.WriteUvarint(uint64(len(addrs)))
	for _, addr := range addrs {
		ba.WriteFixed16(uint16(protocol.Success))
		ba.WriteString("")
		ba.WriteString(addr)
	}
	out := make([]byte, ba.GetSize())
	_ = ba.SetPosition(0)
	_ = ba.Read(out)
	return out
}

// fakeRegistry answers every discover request for name with addrs and
// silently drops subscribe requests, counting how many discover
// requests it served.
func fakeRegistry(t *testing.T, ln net.Listener, name string, addrs []string) *atomic.Int32 {
	t.Helper()
	var discoverCount atomic.Int32
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
			switch frame.MsgType {
			case protocol.RPCServiceDiscover:
				discoverCount.Add(1)
				body := encodeDiscoverResponse(name, addrs)
				_ = sess.Send(context.Background(), protocol.Frame{
					MsgType: protocol.RPCServiceDiscoverResponse, SequenceID: frame.SequenceID, Body: body,
				})
			case protocol.RPCSubscribeRequest:
				// no ack needed, Pool doesn't wait for one
			}
		}
	}()
	return &discoverCount
}

func TestPool_CallDiscoversAndCachesConnection(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	providerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer providerLn.Close()
	fakeServer(t, providerLn, func(sess *session.Session, frame protocol.Frame) {
		if frame.MsgType != protocol.RPCMethodRequest {
			return
		}
		body := protocol.EncodeResult(protocol.Result{Code: protocol.Success, Value: "pong"})
		_ = sess.Send(context.Background(), protocol.Frame{
			MsgType: protocol.RPCMethodResponse, SequenceID: frame.SequenceID, Body: body,
		})
	})

	registryLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer registryLn.Close()
	discoverCount := fakeRegistry(t, registryLn, "echo", []string{providerLn.Addr().String()})

	pool, err := NewPool(context.Background(), sched, wheel, registryLn.Addr().String(), RandomStrategy{}, "caller", Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer pool.Close()

	var want string
	result, err := pool.Call(context.Background(), "echo", nil, typeOf(want))
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, result.Code)
	assert.Equal(t, "pong", result.Value)

	result, err = pool.Call(context.Background(), "echo", nil, typeOf(want))
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, result.Code)
	assert.Equal(t, int32(1), discoverCount.Load(), "second call should reuse the cached connection, not rediscover")
}

// firstStrategy always picks the first candidate, for tests that need
// a deterministic route rather than Random's.
type firstStrategy struct{}

func (firstStrategy) Select(candidates []string, _ string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

// killableEchoProvider accepts a single connection, answers every
// method request with value, and returns a func that severs that
// connection to simulate the provider dying mid-session.
func killableEchoProvider(t *testing.T, ln net.Listener, value string) func() {
	t.Helper()
	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn
		sess := session.New(conn, inlineResumer{})
		for {
			frame, err := sess.Recv(context.Background())
			if err != nil {
				return
			}
			if frame.MsgType != protocol.RPCMethodRequest {
				continue
			}
			body := protocol.EncodeResult(protocol.Result{Code: protocol.Success, Value: value})
			_ = sess.Send(context.Background(), protocol.Frame{
				MsgType: protocol.RPCMethodResponse, SequenceID: frame.SequenceID, Body: body,
			})
		}
	}()
	return func() {
		select {
		case conn := <-connCh:
			conn.Close()
		case <-time.After(time.Second):
		}
	}
}

func TestPool_FailsOverToSurvivorAndEvictsDeadProvider(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	provider1Ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer provider1Ln.Close()
	provider1Addr := provider1Ln.Addr().String()
	killProvider1 := killableEchoProvider(t, provider1Ln, "p1")

	provider2Ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer provider2Ln.Close()
	provider2Addr := provider2Ln.Addr().String()
	killableEchoProvider(t, provider2Ln, "p2")

	registryLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer registryLn.Close()
	fakeRegistry(t, registryLn, "echo", []string{provider1Addr, provider2Addr})

	pool, err := NewPool(context.Background(), sched, wheel, registryLn.Addr().String(), firstStrategy{}, "caller", Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer pool.Close()

	var want string
	result, err := pool.Call(context.Background(), "echo", nil, typeOf(want))
	require.NoError(t, err)
	assert.Equal(t, protocol.Success, result.Code)
	assert.Equal(t, "p1", result.Value, "distinct providers should be distinguishable by response value")

	killProvider1()

	require.Eventually(t, func() bool {
		result, err := pool.Call(context.Background(), "echo", nil, typeOf(want))
		return err == nil && result.Code == protocol.Success && result.Value == "p2"
	}, 2*time.Second, 10*time.Millisecond, "pool should reroute calls to the surviving provider")

	pool.mu.Lock()
	cached := append([]string(nil), pool.serviceCache["echo"]...)
	pool.mu.Unlock()
	assert.NotContains(t, cached, provider1Addr, "dead provider should be evicted from the service cache")
	assert.Contains(t, cached, provider2Addr)
}

func TestPool_CallNoMethodWhenRegistryHasNoProvider(t *testing.T) {
	sched, wheel := newTestScheduler(t)

	registryLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer registryLn.Close()
	fakeRegistry(t, registryLn, "missing", nil)

	pool, err := NewPool(context.Background(), sched, wheel, registryLn.Addr().String(), RandomStrategy{}, "caller", Options{CallTimeout: time.Second})
	require.NoError(t, err)
	defer pool.Close()

	result, err := pool.Call(context.Background(), "missing", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.NoMethod, result.Code)
}
