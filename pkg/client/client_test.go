package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devosoft/avida-bridge/pkg/api"
	"github.com/devosoft/avida-bridge/pkg/bridge"
	"github.com/devosoft/avida-bridge/pkg/config"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/router"
)

func startGateway(t *testing.T) (*bridge.Bridge, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.APIKey = "k"
	b, err := bridge.New(cfg)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	srv := api.NewServer(cfg, b, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
		b.Close()
	})
	return b, "ws" + strings.TrimPrefix(hs.URL, "http") + "/api/ws"
}

func waitForRoles(t *testing.T, b *bridge.Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(b.Router().Roles()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("roles = %v, want %d", b.Router().Roles(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	_, url := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, url, "ui", "wrong"); err == nil {
		t.Fatal("dial with wrong token succeeded")
	}
}

func TestClientsExchangeThroughBridge(t *testing.T) {
	b, url := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ui, err := Dial(ctx, url, "ui", "k")
	if err != nil {
		t.Fatalf("dial ui: %v", err)
	}
	defer ui.Close()
	console, err := Dial(ctx, url, "console", "k")
	if err != nil {
		t.Fatalf("dial console: %v", err)
	}
	defer console.Close()
	waitForRoles(t, b, 2)

	if err := console.Send(ctx, message.MustNew("stepUpdate", map[string]any{"count": 5})); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := ui.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Type() != "stepUpdate" {
		t.Errorf("ui got %s", got.Type())
	}
	if n, _ := got.IntField("count"); n != 5 {
		t.Errorf("count = %d", n)
	}
	if _, tagged := got.Get(router.SourceKey); tagged {
		t.Error("relayed message tagged")
	}

	if err := b.Dispatch(ctx, []byte(`{"type":"status","status":"Running","update":0}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, c := range []*Client{ui, console} {
		msg, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("%s receive: %v", c.Role(), err)
		}
		if st, ok := msg.Body().(message.Status); !ok || st.State != "Running" {
			t.Errorf("%s got %v", c.Role(), msg)
		}
	}
}
