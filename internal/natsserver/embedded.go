// Package natsserver runs an in-process NATS broker so a single classifier
// node needs no external infrastructure.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	readyTimeout = 5 * time.Second
	// Audio frames and trained model replies are larger than the NATS
	// default of 1 MiB.
	maxPayload = 8 << 20
)

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the broker. It returns nil, nil when the bus points at
// external servers.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts := serverOptions(cfg)
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready within " + readyTimeout.String())
	}

	e := &EmbeddedServer{ns: ns, log: log.With(slog.String("component", "natsserver"))}
	e.log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir))
	return e, nil
}

func serverOptions(cfg config.BusConfig) *server.Options {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}
	return &server.Options{
		ServerName: "loqa-sound",
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		MaxPayload: maxPayload,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}
}

// ClientURL returns the URL clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
