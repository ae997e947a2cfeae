package client

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/logger"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/registry"
	"github.com/mercadocoro/corofiber/internal/scheduler"
)

// Pool is RpcClientPool: a service-name-keyed cache of active
// connections, a per-service address cache kept live by subscribing to
// the registry's up/down events, and failover back to discovery when
// an active connection reports itself closed.
type Pool struct {
	sched *scheduler.Scheduler
	wheel *scheduler.TimerWheel
	opts  Options

	strategy  RouteStrategy
	callerKey string

	registry *Client

	mu           sync.Mutex
	serviceCache map[string][]string
	conns        map[string]*Client
	subscribed   map[string]bool

	discoverGroup singleflight.Group

	log zerolog.Logger
}

// NewPool connects to the registry at registryAddr and returns a pool
// that routes Call by name through it. strategy picks among discovered
// addresses; callerKey is the stable value HashIPStrategy hashes on
// (ignored by Random/RoundRobin).
func NewPool(ctx context.Context, sched *scheduler.Scheduler, wheel *scheduler.TimerWheel, registryAddr string, strategy RouteStrategy, callerKey string, opts Options) (*Pool, error) {
	registryClient, err := Dial(ctx, sched, wheel, registryAddr, opts)
	if err != nil {
		return nil, err
	}
	return &Pool{
		sched:        sched,
		wheel:        wheel,
		opts:         opts,
		strategy:     strategy,
		callerKey:    callerKey,
		registry:     registryClient,
		serviceCache: make(map[string][]string),
		conns:        make(map[string]*Client),
		subscribed:   make(map[string]bool),
		log:          logger.WithComponent("rpc-client-pool"),
	}, nil
}

// Close tears down the registry connection and every pooled service
// connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := make([]*Client, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return p.registry.Close()
}

// Call routes a method call by name: reuse a cached connection,
// falling back to discovery and a freshly routed connection if there
// is none or the cached one has closed.
func (p *Pool) Call(ctx context.Context, name string, args []any, valueType reflect.Type) (protocol.Result, error) {
	var result protocol.Result
	task := p.sched.SubmitFunc(func(taskCtx context.Context) {
		result = p.callInTask(taskCtx, name, args, valueType)
	})
	if err := task.Wait(); err != nil {
		return protocol.Result{}, err
	}
	return result, nil
}

func (p *Pool) callInTask(ctx context.Context, name string, args []any, valueType reflect.Type) protocol.Result {
	p.mu.Lock()
	conn := p.conns[name]
	p.mu.Unlock()

	if conn != nil {
		result := conn.callInTask(ctx, name, args, valueType)
		if result.Code != protocol.Closed {
			return result
		}
		p.evict(name, conn)
	}

	addrs, err := p.addressesFor(ctx, name)
	if err != nil || len(addrs) == 0 {
		return protocol.Result{Code: protocol.NoMethod, Msg: "no method:" + name}
	}

	pick := p.strategy.Select(addrs, p.callerKey)
	if pick == "" {
		return protocol.Result{Code: protocol.Fail, Msg: "call fail"}
	}

	fresh, err := Dial(ctx, p.sched, p.wheel, pick, p.opts)
	if err != nil {
		return protocol.Result{Code: protocol.Fail, Msg: "call fail"}
	}

	p.mu.Lock()
	p.conns[name] = fresh
	p.mu.Unlock()

	return fresh.callInTask(ctx, name, args, valueType)
}

func (p *Pool) evict(name string, conn *Client) {
	p.mu.Lock()
	if p.conns[name] == conn {
		delete(p.conns, name)
	}
	p.serviceCache[name] = removeAddr(p.serviceCache[name], conn.Addr())
	p.mu.Unlock()
	conn.Close()
}

// addressesFor returns the cached address list for name, discovering
// it from the registry (once per name, concurrent callers sharing the
// same in-flight request via singleflight) when the cache is empty.
func (p *Pool) addressesFor(ctx context.Context, name string) ([]string, error) {
	p.ensureSubscribed(ctx, name)

	p.mu.Lock()
	addrs := append([]string(nil), p.serviceCache[name]...)
	p.mu.Unlock()
	if len(addrs) > 0 {
		return addrs, nil
	}

	v, err, _ := p.discoverGroup.Do(name, func() (any, error) {
		found, err := p.registry.Discover(ctx, name)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.serviceCache[name] = found
		p.mu.Unlock()
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// ensureSubscribed subscribes to the registry's up/down topic for name
// exactly once, keeping serviceCache live without another discovery
// round-trip for the lifetime of the pool.
func (p *Pool) ensureSubscribed(ctx context.Context, name string) {
	p.mu.Lock()
	if p.subscribed[name] {
		p.mu.Unlock()
		return
	}
	p.subscribed[name] = true
	p.mu.Unlock()

	topic := registry.SubscribePrefix + name
	if err := p.registry.Subscribe(ctx, topic, func(valueBody []byte) {
		p.applyProviderEvent(name, valueBody)
	}); err != nil {
		p.log.Warn().Err(err).Str("service", name).Msg("failed to subscribe to provider events")
	}
}

func (p *Pool) applyProviderEvent(name string, valueBody []byte) {
	ba := bytearray.New(0)
	ba.Write(valueBody)
	if err := ba.SetPosition(0); err != nil {
		return
	}
	var ev registry.ProviderEvent
	if err := protocol.NewSerializer(ba).Unmarshal(reflect.ValueOf(&ev).Elem()); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Up {
		for _, addr := range p.serviceCache[name] {
			if addr == ev.Address {
				return
			}
		}
		p.serviceCache[name] = append(p.serviceCache[name], ev.Address)
	} else {
		p.serviceCache[name] = removeAddr(p.serviceCache[name], ev.Address)
	}
}

func removeAddr(list []string, s string) []string {
	kept := list[:0]
	for _, v := range list {
		if v != s {
			kept = append(kept, v)
		}
	}
	return kept
}
