package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"stepflow/internal/config"
)

// connectNATS dials cfg.URL, or starts an in-process server when
// cfg.Embedded is set. The returned func drains the connection and stops any
// embedded server.
func connectNATS(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, func(), error) {
	if !cfg.Embedded {
		logger.Info("Connecting to NATS", "url", cfg.URL)
		nc, err := nats.Connect(cfg.URL,
			nats.Name("stepflow"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("NATS disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		return nc, func() { drain(nc) }, nil
	}

	ns, err := server.NewServer(&server.Options{
		Port:   -1, // Random available port
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("embedded NATS server failed to start")
	}
	logger.Info("Started embedded NATS server", "url", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("stepflow"))
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	return nc, func() {
		drain(nc)
		ns.Shutdown()
		ns.WaitForShutdown()
	}, nil
}

func drain(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}
