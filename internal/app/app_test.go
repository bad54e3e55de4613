package app

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/Logicbevers/AI-Voice/internal/config"
	"github.com/Logicbevers/AI-Voice/internal/provider"
	"github.com/Logicbevers/AI-Voice/internal/testutil"
)

func TestNewProviderSelection(t *testing.T) {
	cfg := config.Config{}
	client, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("mock provider: %v", err)
	}
	if _, ok := client.(*provider.Guarded); !ok {
		t.Fatalf("provider %T is not guarded", client)
	}

	cfg.Provider = config.ProviderHeyGen
	if _, err := NewProvider(cfg); err == nil {
		t.Fatalf("heygen without a key must fail")
	}
	cfg.HeyGenAPIKey = "key"
	if _, err := NewProvider(cfg); err != nil {
		t.Fatalf("heygen: %v", err)
	}

	cfg.Provider = "synthesia"
	if _, err := NewProvider(cfg); err == nil {
		t.Fatalf("unknown provider must fail")
	}
}

func TestNewOrchestratorRejectsBadPatterns(t *testing.T) {
	cfg := config.Config{BenignPatterns: []string{"re:("}}
	if _, _, err := NewOrchestrator(testutil.NewMemStore(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected pattern error")
	}
	cfg.BenignPatterns = []string{"re:trial.*ended"}
	if _, _, err := NewOrchestrator(testutil.NewMemStore(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	client, err := NewRedis(context.Background(), config.Config{})
	if err != nil || client != nil {
		t.Fatalf("unset addr: client=%v err=%v, want nil nil", client, err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client, err = NewRedis(context.Background(), config.Config{RedisAddr: mr.Addr()})
	if err != nil || client == nil {
		t.Fatalf("connect: %v", err)
	}
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedis(context.Background(), config.Config{RedisAddr: addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
