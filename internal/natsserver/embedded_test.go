package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-sound/internal/config"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	if srv.ClientURL() != "" {
		t.Fatal("nil server must report an empty URL")
	}
	srv.Shutdown()
}

func TestStartEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if srv.ClientURL() == "" {
		t.Fatal("expected client url")
	}
}

func TestServerOptions(t *testing.T) {
	opts := serverOptions(config.BusConfig{Port: 4300})
	if opts.StoreDir != "./data/nats" || opts.Port != 4300 || opts.MaxPayload != maxPayload {
		t.Fatalf("unexpected options %+v", opts)
	}
}
