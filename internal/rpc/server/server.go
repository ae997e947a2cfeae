// Package server implements RpcServer: a method registry exposed over
// the RPC wire protocol, the per-connection HEARTBEAT/kill-timer state
// machine, topic publish/subscribe, and the long-lived session a
// server keeps with a service registry when one is configured.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/metrics"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

// Server accepts RPC connections, dispatches registered methods, and
// optionally registers itself with a service registry.
type Server struct {
	sched *scheduler.Scheduler
	wheel *scheduler.TimerWheel

	killTimeout time.Duration

	methodsMu sync.RWMutex
	methods   map[string]*method

	subMu sync.Mutex
	subs  map[string][]*session.Session

	log zerolog.Logger

	listener net.Listener

	registryAddr string
	publicPort   int
}

// New builds a server driven by sched for connection tasks and wheel
// for its kill-timers and heartbeats.
func New(sched *scheduler.Scheduler, wheel *scheduler.TimerWheel, killTimeout time.Duration) *Server {
	return &Server{
		sched:       sched,
		wheel:       wheel,
		killTimeout: killTimeout,
		methods:     make(map[string]*method),
		subs:        make(map[string][]*session.Session),
		log:         logger.WithComponent("rpc-server"),
	}
}

// RegisterMethod exposes fn under name. fn's argument types and return
// shape (optional value, optional trailing error) are captured once,
// here, rather than re-derived on every call.
func (s *Server) RegisterMethod(name string, fn any) error {
	m, err := newMethod(fn)
	if err != nil {
		return err
	}
	s.methodsMu.Lock()
	s.methods[name] = m
	s.methodsMu.Unlock()
	return nil
}

// MethodNames returns the names of every registered method, used when
// announcing to a service registry.
func (s *Server) MethodNames() []string {
	s.methodsMu.RLock()
	defer s.methodsMu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	return names
}

// Serve accepts connections on ln until ctx is canceled, handing each
// one to its own task.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.sched.SubmitFunc(func(taskCtx context.Context) {
			s.handleConn(taskCtx, conn)
		})
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.sched)
	defer sess.Close()

	metrics.RPCConnections.Inc()
	defer metrics.RPCConnections.Dec()

	killTimer := s.wheel.AddTimer(s.killTimeout, func() {
		sess.Close()
	}, false)
	defer killTimer.Cancel()

	for {
		frame, err := sess.Recv(ctx)
		if err != nil {
			s.removeSubscriber(sess)
			return
		}
		killTimer.Refresh()

		switch frame.MsgType {
		case protocol.HeartbeatPacket:
			_ = sess.Send(ctx, frame)

		case protocol.RPCMethodRequest:
			s.dispatch(ctx, sess, frame)

		case protocol.RPCSubscribeRequest:
			s.addSubscriber(string(frame.Body), sess)
			_ = sess.Send(ctx, protocol.Frame{
				MsgType:    protocol.RPCSubscribeResponse,
				SequenceID: frame.SequenceID,
				Body:       protocol.EncodeResult(protocol.Result{Code: protocol.Success}),
			})

		case protocol.RPCPublishResponse:
			// fire-and-forget acknowledgement, nothing to do

		default:
			s.log.Debug().Stringer("msg_type", frame.MsgType).Msg("unhandled frame")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, frame protocol.Frame) {
	name, argBody, err := protocol.DecodeMethodRequest(frame.Body)
	var result protocol.Result
	if err != nil {
		result = protocol.Result{Code: protocol.NoMatch, Msg: err.Error()}
	} else {
		s.methodsMu.RLock()
		m, ok := s.methods[name]
		s.methodsMu.RUnlock()
		if !ok {
			result = protocol.Result{Code: protocol.NoMethod, Msg: fmt.Sprintf("no such method %q", name)}
		} else {
			result = m.invoke(argBody)
		}
	}
	metrics.RecordDispatch(name, result.Code.String())

	_ = sess.Send(ctx, protocol.Frame{
		MsgType:    protocol.RPCMethodResponse,
		SequenceID: frame.SequenceID,
		Body:       protocol.EncodeResult(result),
	})
}

func (s *Server) addSubscriber(topic string, sess *session.Session) {
	s.subMu.Lock()
	s.subs[topic] = append(s.subs[topic], sess)
	s.subMu.Unlock()
}

func (s *Server) removeSubscriber(sess *session.Session) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for topic, list := range s.subs {
		kept := list[:0]
		for _, ss := range list {
			if ss != sess {
				kept = append(kept, ss)
			}
		}
		s.subs[topic] = kept
	}
}

// Publish sends value, tagged with topic, to every live subscriber.
// Sessions found closed during the sweep are dropped from the
// subscription table, the Go equivalent of the original's
// dead-weak-reference pruning. The fanout runs as its own task so
// Session.Send's CoMutex has a task to park, even when Publish is
// called from outside any task (e.g. a user's own goroutine).
func (s *Server) Publish(topic string, value any) error {
	body, err := protocol.EncodePublish(topic, value)
	if err != nil {
		return err
	}

	task := s.sched.SubmitFunc(func(taskCtx context.Context) {
		s.subMu.Lock()
		targets := append([]*session.Session(nil), s.subs[topic]...)
		s.subMu.Unlock()

		var live []*session.Session
		for _, sess := range targets {
			if sess.Closed() {
				continue
			}
			if err := sess.Send(taskCtx, protocol.Frame{MsgType: protocol.RPCPublishRequest, Body: body}); err != nil {
				continue
			}
			live = append(live, sess)
		}

		s.subMu.Lock()
		s.subs[topic] = live
		s.subMu.Unlock()
		metrics.RecordPublishFanout(topic, len(live))
	})
	return task.Wait()
}
