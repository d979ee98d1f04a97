package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/coffeeflow/engine/internal/broker"
	"github.com/coffeeflow/engine/internal/config"
)

// Server accepts exactly one client connection at a time (spec.md's
// explicit non-goal: no multi-client concurrency) and runs it to
// completion before accepting the next.
type Server struct {
	cfg    config.GatewayConfig
	broker broker.Broker
	logger *slog.Logger
}

// New returns a Server ready to Run, given an already-dialed broker.
func New(cfg config.GatewayConfig, b broker.Broker, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, broker: b, logger: logger}
}

// Run listens on cfg.Port and serves clients one at a time until ctx is
// canceled. cfg.Backlog is advisory only — Go's net package does not expose
// portable TCP listen backlog tuning.
func (srv *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", srv.cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen :%d: %w", srv.cfg.Port, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	srv.logger.Info("action: gateway_start", slog.Int("port", srv.cfg.Port))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		srv.serveOne(ctx, conn)
	}
}

// serveOne handles one client to completion before the caller accepts the
// next, matching the "one client at a time" contract.
func (srv *Server) serveOne(ctx context.Context, conn net.Conn) {
	brokerConn, err := srv.broker.Connection(ctx)
	if err != nil {
		srv.logger.Error("action: client_session", slog.Any("error", err))
		conn.Close()
		return
	}
	defer brokerConn.Close()

	sess := NewClientSession(conn, brokerConn, srv.logger, srv.cfg.ResultTimeout)
	if err := sess.Handle(ctx); err != nil {
		srv.logger.Warn("action: client_session", slog.String("result", "fail"), slog.Any("error", err))
	}
}
