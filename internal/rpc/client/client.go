// Package client implements RpcClient: a connection to one RPC server
// driven by a dedicated send task and receive task, a sequence-id-keyed
// table of channels one per outstanding call, and a subscription
// table for topics the server publishes to.
package client

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/corosync"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/metrics"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
	"github.com/mercadocoro/corofiber/internal/scheduler"
	"github.com/mercadocoro/corofiber/pkg/ids"
)

// ErrClosed is returned by Discover once the client has closed,
// locally or because the server hung up. Call reports the same
// condition as a Result whose Code is Closed, with a nil error.
var ErrClosed = errors.New("client: closed")

var errRequestTimeout = errors.New("client: request timeout")

// Client is one connection to an RPC server. Every outbound call is
// pushed onto an internal send queue and picked up by a dedicated send
// task, mirroring the original's split between a request-sending
// coroutine and a response-receiving coroutine so a slow or blocked
// caller never stalls the read side of the connection.
type Client struct {
	addr  string
	sess  *session.Session
	sched *scheduler.Scheduler
	wheel *scheduler.TimerWheel

	sendQueue *corosync.Channel[protocol.Frame]
	seq       *ids.SequenceGenerator

	pendingMu sync.Mutex
	pending   map[uint32]*corosync.Channel[protocol.Frame]

	subMu sync.Mutex
	subs  map[string]func([]byte)

	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	heartbeat *scheduler.Timer

	log zerolog.Logger
}

// Options configures a new Client.
type Options struct {
	CallTimeout       time.Duration
	AutoHeartbeat     bool
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// Dial connects to addr and starts the client's send and receive
// tasks. The returned Client is ready for Call/Callback/AsyncCall as
// soon as Dial returns.
func Dial(ctx context.Context, sched *scheduler.Scheduler, wheel *scheduler.TimerWheel, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		addr:    addr,
		sess:    session.New(conn, sched),
		sched:   sched,
		wheel:   wheel,
		seq:     ids.NewSequenceGenerator(),
		pending: make(map[uint32]*corosync.Channel[protocol.Frame]),
		subs:    make(map[string]func([]byte)),
		timeout: opts.CallTimeout,
		closed:  make(chan struct{}),
		log:     logger.WithComponent("rpc-client"),
	}
	addTimer := func(d time.Duration, cb func()) func() bool {
		t := wheel.AddTimer(d, cb, false)
		return t.Cancel
	}
	c.sendQueue = corosync.NewChannel[protocol.Frame](sched, addTimer, 64)

	sched.SubmitFunc(c.sendLoop)
	sched.SubmitFunc(c.recvLoop)

	if opts.AutoHeartbeat && opts.HeartbeatInterval > 0 {
		c.heartbeat = wheel.AddTimer(opts.HeartbeatInterval, c.sendHeartbeat, true)
	}
	return c, nil
}

// Addr returns the address this client was dialed with.
func (c *Client) Addr() string { return c.addr }

// Closed reports whether the client has stopped serving calls.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close tears down the connection and wakes every pending caller with
// a Closed result. The teardown itself runs as a scheduler task since
// Channel.Close and the send queue's Close both park under a CoMutex
// that requires an ambient task to resume, same reason Server.Publish
// runs on a task.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.heartbeat != nil {
			c.heartbeat.Cancel()
		}
		c.sess.Close()

		task := c.sched.SubmitFunc(func(taskCtx context.Context) {
			_ = c.sendQueue.Close(taskCtx)

			c.pendingMu.Lock()
			pending := c.pending
			c.pending = make(map[uint32]*corosync.Channel[protocol.Frame])
			c.pendingMu.Unlock()

			for _, ch := range pending {
				_ = ch.Close(taskCtx)
			}
		})
		_ = task.Wait()
	})
	return nil
}

func (c *Client) sendHeartbeat() {
	if c.Closed() {
		return
	}
	c.sched.SubmitFunc(func(ctx context.Context) {
		_ = c.sess.Send(ctx, protocol.Frame{MsgType: protocol.HeartbeatPacket})
	})
}

// sendLoop drains the send queue and writes each frame to the
// connection, the task-level counterpart of the original's dedicated
// send coroutine.
func (c *Client) sendLoop(ctx context.Context) {
	for {
		frame, ok, err := c.sendQueue.Pop(ctx)
		if err != nil || !ok {
			return
		}
		if err := c.sess.Send(ctx, frame); err != nil {
			c.log.Warn().Err(err).Msg("send failed, closing client")
			c.Close()
			return
		}
	}
}

// recvLoop reads frames until the connection closes, routing method
// responses to their caller's channel by sequence id and publish
// frames to any registered subscription handler.
func (c *Client) recvLoop(ctx context.Context) {
	defer c.Close()
	for {
		frame, err := c.sess.Recv(ctx)
		if err != nil {
			return
		}
		switch frame.MsgType {
		case protocol.RPCMethodResponse, protocol.RPCServiceRegisterResponse, protocol.RPCServiceDiscoverResponse, protocol.RPCSubscribeResponse:
			c.deliver(ctx, frame)
		case protocol.RPCPublishRequest:
			c.handlePublish(frame.Body)
			_ = c.sess.Send(ctx, protocol.Frame{MsgType: protocol.RPCPublishResponse, SequenceID: frame.SequenceID})
		case protocol.HeartbeatPacket:
			// server echoed our heartbeat, nothing further to do
		default:
			c.log.Debug().Stringer("msg_type", frame.MsgType).Msg("unhandled frame")
		}
	}
}

func (c *Client) deliver(ctx context.Context, frame protocol.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.SequenceID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	_, _ = ch.Push(ctx, frame)
}

func (c *Client) handlePublish(body []byte) {
	topic, valueBody, err := protocol.DecodePublish(body)
	if err != nil {
		return
	}
	c.subMu.Lock()
	handler := c.subs[topic]
	c.subMu.Unlock()
	if handler != nil {
		handler(valueBody)
	}
}

// Call sends a method request and blocks until a response arrives, the
// client's own timeout elapses, or the client closes, whichever comes
// first. valueType, when non-nil, is the Go type the response's value
// should be decoded into. The call itself always runs on its own
// scheduler task regardless of whether the caller is one, since the
// send queue and response channel both park under a CoMutex that
// requires a task to resume; task.Wait's error is the only case this
// returns a non-nil error.
func (c *Client) Call(ctx context.Context, name string, args []any, valueType reflect.Type) (protocol.Result, error) {
	if c.Closed() {
		return protocol.Result{Code: protocol.Closed, Msg: "client closed"}, nil
	}

	var result protocol.Result
	task := c.sched.SubmitFunc(func(taskCtx context.Context) {
		result = c.callInTask(taskCtx, name, args, valueType)
	})
	if err := task.Wait(); err != nil {
		return protocol.Result{}, err
	}
	return result, nil
}

func (c *Client) callInTask(ctx context.Context, name string, args []any, valueType reflect.Type) protocol.Result {
	measure := corosync.StartMeasure("rpc-call:" + name)
	result := c.doCallInTask(ctx, name, args, valueType)
	metrics.RecordRPCCall(name, result.Code.String(), measure.Elapsed().Seconds())
	return result
}

func (c *Client) doCallInTask(ctx context.Context, name string, args []any, valueType reflect.Type) protocol.Result {
	body, err := protocol.EncodeMethodRequest(name, args)
	if err != nil {
		return protocol.Result{Code: protocol.NoMatch, Msg: err.Error()}
	}

	frame, err := c.request(ctx, protocol.RPCMethodRequest, body)
	if err != nil {
		if errors.Is(err, errRequestTimeout) {
			return protocol.Result{Code: protocol.Timeout, Msg: err.Error()}
		}
		return protocol.Result{Code: protocol.Closed, Msg: err.Error()}
	}

	result, err := protocol.DecodeResult(frame.Body, valueType)
	if err != nil {
		return protocol.Result{Code: protocol.NoMatch, Msg: err.Error()}
	}
	return result
}

// request sends a frame of msgType and waits for the response frame
// correlated by sequence id, leaving response decoding to the caller.
// Call's method-call/Result decoding and Discover's service-discovery
// decoding both ride this same correlation machinery; only the wire
// shape of the body differs between them.
func (c *Client) request(ctx context.Context, msgType protocol.MsgType, body []byte) (protocol.Frame, error) {
	seq := c.seq.Next()
	respCh := corosync.NewChannel[protocol.Frame](c.sched, c.timerFunc(), 1)
	c.pendingMu.Lock()
	c.pending[seq] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if ok, err := c.sendQueue.Push(ctx, protocol.Frame{MsgType: msgType, SequenceID: seq, Body: body}); err != nil || !ok {
		return protocol.Frame{}, ErrClosed
	}

	frame, ok, err := respCh.WaitFor(ctx, c.timeout)
	if err != nil || !ok {
		if c.Closed() {
			return protocol.Frame{}, ErrClosed
		}
		return protocol.Frame{}, errRequestTimeout
	}
	return frame, nil
}

// Discover asks the registry this client is connected to for every
// address currently serving name, decoding the wire format
// registry.Registry's discoverService writes.
func (c *Client) Discover(ctx context.Context, name string) ([]string, error) {
	var addrs []string
	var callErr error
	task := c.sched.SubmitFunc(func(taskCtx context.Context) {
		addrs, callErr = c.discoverInTask(taskCtx, name)
	})
	if err := task.Wait(); err != nil {
		return nil, err
	}
	return addrs, callErr
}

func (c *Client) discoverInTask(ctx context.Context, name string) ([]string, error) {
	frame, err := c.request(ctx, protocol.RPCServiceDiscover, []byte(name))
	if err != nil {
		return nil, err
	}
	return decodeDiscoverResponse(frame.Body)
}

func decodeDiscoverResponse(body []byte) ([]string, error) {
	ba := bytearray.New(0)
	ba.Write(body)
	if err := ba.SetPosition(0); err != nil {
		return nil, err
	}
	if _, err := ba.ReadString(); err != nil { // echoed service name
		return nil, err
	}
	count, err := ba.ReadUvarint()
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		code, err := ba.ReadFixed16()
		if err != nil {
			return nil, err
		}
		if _, err := ba.ReadString(); err != nil { // msg
			return nil, err
		}
		if protocol.Code(code) != protocol.Success {
			continue
		}
		addr, err := ba.ReadString()
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c *Client) timerFunc() func(time.Duration, func()) func() bool {
	return func(d time.Duration, cb func()) func() bool {
		t := c.wheel.AddTimer(d, cb, false)
		return t.Cancel
	}
}

// Callback fires fn with the call's result once it arrives, without
// blocking the caller's own task. It runs the call on a fresh
// scheduler task, the Go equivalent of the original's fire-and-forget
// callback coroutine.
func (c *Client) Callback(name string, args []any, valueType reflect.Type, fn func(protocol.Result)) {
	c.sched.SubmitFunc(func(ctx context.Context) {
		fn(c.callInTask(ctx, name, args, valueType))
	})
}

// AsyncCall starts the call on its own task and returns a channel that
// receives exactly one result.
func (c *Client) AsyncCall(name string, args []any, valueType reflect.Type) *corosync.Channel[protocol.Result] {
	out := corosync.NewChannel[protocol.Result](c.sched, c.timerFunc(), 1)
	c.sched.SubmitFunc(func(ctx context.Context) {
		_, _ = out.Push(ctx, c.callInTask(ctx, name, args, valueType))
	})
	return out
}

// Subscribe registers handler for messages published on topic and
// sends the subscribe request, waiting for it to be queued. Only one
// handler per topic is supported, matching the original's
// duplicate-subscribe assertion.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(valueBody []byte)) error {
	c.subMu.Lock()
	if _, dup := c.subs[topic]; dup {
		c.subMu.Unlock()
		return errors.New("client: duplicate subscribe for topic " + topic)
	}
	c.subs[topic] = handler
	c.subMu.Unlock()

	seq := c.seq.Next()
	task := c.sched.SubmitFunc(func(taskCtx context.Context) {
		_, _ = c.sendQueue.Push(taskCtx, protocol.Frame{
			MsgType: protocol.RPCSubscribeRequest, SequenceID: seq, Body: []byte(topic),
		})
	})
	return task.Wait()
}
