package server

import (
	"context"
	"net"
	"time"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
	"github.com/mercadocoro/corofiber/internal/rpc/session"
)

// ConnectRegistry dials the registry at addr and keeps a long-lived
// session open for the server's lifetime: it announces this server as
// a provider of publicPort, registers every method known at call time,
// then sends a heartbeat every heartbeatInterval to stay under the
// registry's own dead-provider timeout. The registry connection runs
// as a scheduler task, so the caller does not block on it.
func (s *Server) ConnectRegistry(ctx context.Context, addr string, publicPort int, heartbeatInterval time.Duration) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	s.registryAddr = addr
	s.publicPort = publicPort

	sess := session.New(conn, s.sched)

	s.sched.SubmitFunc(func(taskCtx context.Context) {
		defer sess.Close()

		portBa := bytearray.New(0)
		portBa.WriteUvarint(uint64(publicPort))
		portBody := make([]byte, portBa.GetSize())
		_ = portBa.SetPosition(0)
		_ = portBa.Read(portBody)
		if err := sess.Send(taskCtx, protocol.Frame{MsgType: protocol.RPCProvider, Body: portBody}); err != nil {
			s.log.Warn().Err(err).Msg("failed to announce provider to registry")
			return
		}

		for _, name := range s.MethodNames() {
			if err := sess.Send(taskCtx, protocol.Frame{
				MsgType: protocol.RPCServiceRegister,
				Body:    []byte(name),
			}); err != nil {
				s.log.Warn().Err(err).Str("method", name).Msg("failed to register method with registry")
				return
			}
		}

		heartbeat := s.wheel.AddTimer(heartbeatInterval, func() {
			_ = sess.Send(taskCtx, protocol.Frame{MsgType: protocol.HeartbeatPacket})
		}, true)
		defer heartbeat.Cancel()

		for {
			if _, err := sess.Recv(taskCtx); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	})
	return nil
}
