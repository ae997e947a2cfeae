// Package registry implements RpcServiceRegistry: the rendezvous point
// providers register addresses with and consumers discover them
// through. It tracks which address serves which service name, fans
// out up/down notifications to subscribers of the reserved
// "[[rpc service subscribe]]"+serviceName topic, and prunes both dead
// connections and the subscription table on a timer.
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/metrics"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

// SubscribePrefix is prepended to a service name to form the topic the
// registry publishes provider up/down events on.
const SubscribePrefix = "[[rpc service subscribe]]"

// ProviderEvent is the value published on a service's subscribe topic
// whenever a provider registers or is removed.
type ProviderEvent struct {
	Up      bool
	Address string
}

// Event is an admin-observable registry event, a superset of
// ProviderEvent that also names the service it happened for.
type Event struct {
	Service string
	Address string
	Up      bool
}

type Registry struct {
	sched       *scheduler.Scheduler
	wheel       *scheduler.TimerWheel
	aliveTime   time.Duration
	pruneEvery  time.Duration

	mu           sync.Mutex
	services     map[string][]string // service name -> provider addresses
	addrServices map[string][]string // provider address -> service names it serves

	subMu sync.Mutex
	subs  map[string][]*session.Session

	observersMu sync.RWMutex
	observers   []func(Event)

	log zerolog.Logger
}

// Observe registers fn to be called with every provider up/down event,
// for an admin-facing tap on the registry's state independent of the
// RPC subscribe wire path. The returned func removes fn.
func (r *Registry) Observe(fn func(Event)) func() {
	r.observersMu.Lock()
	r.observers = append(r.observers, fn)
	idx := len(r.observers) - 1
	r.observersMu.Unlock()

	return func() {
		r.observersMu.Lock()
		defer r.observersMu.Unlock()
		if idx < len(r.observers) {
			r.observers[idx] = nil
		}
	}
}

func (r *Registry) notify(ev Event) {
	r.observersMu.RLock()
	defer r.observersMu.RUnlock()
	for _, fn := range r.observers {
		if fn != nil {
			fn(ev)
		}
	}
}

// New builds a registry driven by sched for connection tasks and wheel
// for kill-timers and the subscription-pruning sweep. aliveTime bounds
// how long a connection may go silent before it is closed; pruneEvery
// sets how often dead subscribers are swept from the subscription
// table.
func New(sched *scheduler.Scheduler, wheel *scheduler.TimerWheel, aliveTime, pruneEvery time.Duration) *Registry {
	r := &Registry{
		sched:        sched,
		wheel:        wheel,
		aliveTime:    aliveTime,
		pruneEvery:   pruneEvery,
		services:     make(map[string][]string),
		addrServices: make(map[string][]string),
		subs:         make(map[string][]*session.Session),
		log:          logger.WithComponent("rpc-registry"),
	}
	wheel.AddTimer(pruneEvery, r.pruneSubscriptions, true)
	return r
}

// Serve accepts connections on ln until ctx is canceled, handing each
// one to its own task.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
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
		r.sched.SubmitFunc(func(taskCtx context.Context) {
			r.handleConn(taskCtx, conn)
		})
	}
}

func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, r.sched)
	defer sess.Close()

	killTimer := r.wheel.AddTimer(r.aliveTime, func() { sess.Close() }, false)
	defer killTimer.Cancel()

	var providerAddr string

	for {
		frame, err := sess.Recv(ctx)
		if err != nil {
			if providerAddr != "" {
				r.unregisterAddress(ctx, providerAddr)
			}
			r.removeSubscriber(sess)
			return
		}
		killTimer.Refresh()

		switch frame.MsgType {
		case protocol.HeartbeatPacket:
			_ = sess.Send(ctx, frame)

		case protocol.RPCProvider:
			providerAddr = r.providerAddress(frame.Body, conn.RemoteAddr())

		case protocol.RPCServiceRegister:
			serviceName := string(frame.Body)
			r.registerService(ctx, serviceName, providerAddr)
			_ = sess.Send(ctx, protocol.Frame{
				MsgType:    protocol.RPCServiceRegisterResponse,
				SequenceID: frame.SequenceID,
				Body:       protocol.EncodeResult(protocol.Result{Code: protocol.Success, Value: serviceName}),
			})

		case protocol.RPCServiceDiscover:
			body := r.discoverService(string(frame.Body))
			_ = sess.Send(ctx, protocol.Frame{
				MsgType:    protocol.RPCServiceDiscoverResponse,
				SequenceID: frame.SequenceID,
				Body:       body,
			})

		case protocol.RPCSubscribeRequest:
			r.addSubscriber(string(frame.Body), sess)
			_ = sess.Send(ctx, protocol.Frame{
				MsgType:    protocol.RPCSubscribeResponse,
				SequenceID: frame.SequenceID,
				Body:       protocol.EncodeResult(protocol.Result{Code: protocol.Success}),
			})

		case protocol.RPCPublishResponse:
			// fire-and-forget acknowledgement, nothing to do

		default:
			r.log.Debug().Stringer("msg_type", frame.MsgType).Msg("unhandled frame")
		}
	}
}

// providerAddress decodes the port RPC_PROVIDER carries and combines
// it with the connection's own remote IP, since the ephemeral source
// port the registry sees on the wire is not the port the provider
// actually listens on.
func (r *Registry) providerAddress(body []byte, remote net.Addr) string {
	ba := bytearray.New(0)
	ba.Write(body)
	_ = ba.SetPosition(0)
	port, _ := ba.ReadUvarint()
	host, _, _ := net.SplitHostPort(remote.String())
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

func (r *Registry) registerService(ctx context.Context, name, addr string) {
	if name == "" || addr == "" {
		return
	}
	r.mu.Lock()
	r.services[name] = append(r.services[name], addr)
	r.addrServices[addr] = append(r.addrServices[addr], name)
	count := len(r.services[name])
	r.mu.Unlock()
	metrics.SetRegistryProviders(name, float64(count))

	r.publish(ctx, SubscribePrefix+name, ProviderEvent{Up: true, Address: addr})
	r.notify(Event{Service: name, Address: addr, Up: true})
}

func (r *Registry) unregisterAddress(ctx context.Context, addr string) {
	r.mu.Lock()
	names := r.addrServices[addr]
	delete(r.addrServices, addr)
	counts := make(map[string]int, len(names))
	for _, name := range names {
		r.services[name] = removeString(r.services[name], addr)
		counts[name] = len(r.services[name])
	}
	r.mu.Unlock()

	for _, name := range names {
		metrics.SetRegistryProviders(name, float64(counts[name]))
		r.publish(ctx, SubscribePrefix+name, ProviderEvent{Up: false, Address: addr})
		r.notify(Event{Service: name, Address: addr, Up: false})
	}
}

func (r *Registry) discoverService(name string) []byte {
	r.mu.Lock()
	addrs := append([]string(nil), r.services[name]...)
	r.mu.Unlock()

	results := make([]protocol.Result, 0, len(addrs))
	if len(addrs) == 0 {
		results = append(results, protocol.Result{Code: protocol.NoMethod, Msg: "discover service:" + name})
	} else {
		for _, addr := range addrs {
			results = append(results, protocol.Result{Code: protocol.Success, Value: addr})
		}
	}

	ba := bytearray.New(0)
	ba.WriteString(name)
	ba.WriteUvarint(uint64(len(results)))
	for _, res := range results {
		ba.WriteFixed16(uint16(res.Code))
		ba.WriteString(res.Msg)
		if res.Code == protocol.Success {
			ba.WriteString(res.Value.(string))
		}
	}
	out := make([]byte, ba.GetSize())
	_ = ba.SetPosition(0)
	_ = ba.Read(out)
	return out
}

func (r *Registry) addSubscriber(topic string, sess *session.Session) {
	r.subMu.Lock()
	r.subs[topic] = append(r.subs[topic], sess)
	total := r.totalSubscriptionsLocked()
	r.subMu.Unlock()
	metrics.RegistrySubscriptions.Set(float64(total))
}

// totalSubscriptionsLocked sums every topic's subscriber count.
// Callers must hold subMu.
func (r *Registry) totalSubscriptionsLocked() int {
	n := 0
	for _, list := range r.subs {
		n += len(list)
	}
	return n
}

func (r *Registry) removeSubscriber(sess *session.Session) {
	r.subMu.Lock()
	for topic, list := range r.subs {
		kept := list[:0]
		for _, ss := range list {
			if ss != sess {
				kept = append(kept, ss)
			}
		}
		r.subs[topic] = kept
	}
	total := r.totalSubscriptionsLocked()
	r.subMu.Unlock()
	metrics.RegistrySubscriptions.Set(float64(total))
}

// pruneSubscriptions sweeps every topic's subscriber list for closed
// sessions, the periodic safety net behind the immediate cleanup
// handleConn already does on disconnect.
func (r *Registry) pruneSubscriptions() {
	r.subMu.Lock()
	for topic, list := range r.subs {
		kept := list[:0]
		for _, ss := range list {
			if !ss.Closed() {
				kept = append(kept, ss)
			}
		}
		r.subs[topic] = kept
	}
	total := r.totalSubscriptionsLocked()
	r.subMu.Unlock()
	metrics.RegistrySubscriptions.Set(float64(total))
}

// publish sends value, tagged with topic, to every live subscriber.
// Called only from a connection's own handling task, so ctx already
// carries a task Session.Send's CoMutex can park against; no separate
// task needs spawning the way Server.Publish does for its externally
// callable counterpart.
func (r *Registry) publish(ctx context.Context, topic string, value any) {
	body, err := protocol.EncodePublish(topic, value)
	if err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("failed to encode publish body")
		return
	}

	r.subMu.Lock()
	targets := append([]*session.Session(nil), r.subs[topic]...)
	r.subMu.Unlock()

	var live []*session.Session
	for _, sess := range targets {
		if sess.Closed() {
			continue
		}
		if err := sess.Send(ctx, protocol.Frame{MsgType: protocol.RPCPublishRequest, Body: body}); err != nil {
			continue
		}
		live = append(live, sess)
	}

	r.subMu.Lock()
	r.subs[topic] = live
	r.subMu.Unlock()
	metrics.RecordPublishFanout(topic, len(live))
}

func removeString(list []string, s string) []string {
	kept := list[:0]
	for _, v := range list {
		if v != s {
			kept = append(kept, v)
		}
	}
	return kept
}
