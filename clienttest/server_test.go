package clienttest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/config"
	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/server"
)

// startServer runs a pcpd on a random loopback port for the lifetime of t.
func startServer(t *testing.T, cfg *config.Config) (*server.Server, string) {
	t.Helper()
	backend, err := kv.OpenSQLite(filepath.Join(t.TempDir(), "pcpd.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	cfg.ListenAddr = "127.0.0.1:0"
	srv := server.New(cfg, zap.NewNop().Sugar(), backend)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop(time.Second) })
	return srv, srv.Addr().String()
}

func dial(t *testing.T, addr string) *PCPClient {
	t.Helper()
	client, err := NewPCPClient(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func roundTrip(t *testing.T, client *PCPClient, req []byte) *Response {
	t.Helper()
	if err := client.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	raw, err := client.Receive(1100)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("Bad response %x: %v", raw, err)
	}
	return resp
}
