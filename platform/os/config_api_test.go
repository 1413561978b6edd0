package os

import (
	"context"
	"testing"
	"time"
)

func TestConfigAPI_Getters(t *testing.T) {
	svcCtx, _ := newTestContext(t)
	ctx := context.Background()
	config := svcCtx.Config()

	s, err := config.GetString(ctx, "greeting")
	if err != nil || s != "hello" {
		t.Errorf("GetString(greeting) = %q, %v; want hello", s, err)
	}

	n, err := config.GetInt(ctx, "retries")
	if err != nil || n != 3 {
		t.Errorf("GetInt(retries) = %d, %v; want 3", n, err)
	}

	b, err := config.GetBool(ctx, "verbose")
	if err != nil || !b {
		t.Errorf("GetBool(verbose) = %v, %v; want true", b, err)
	}

	d, err := config.GetDuration(ctx, "interval")
	if err != nil || d != 250*time.Millisecond {
		t.Errorf("GetDuration(interval) = %v, %v; want 250ms", d, err)
	}

	missing, err := config.GetString(ctx, "missing")
	if err != nil || missing != "" {
		t.Errorf("GetString(missing) = %q, %v; want empty", missing, err)
	}
}

func TestConfigAPI_TypeErrors(t *testing.T) {
	svcCtx, _ := newTestContext(t)
	ctx := context.Background()

	if _, err := svcCtx.Config().GetInt(ctx, "greeting"); err == nil {
		t.Error("GetInt on a string should fail")
	}
	if _, err := svcCtx.Config().GetBool(ctx, "retries"); err == nil {
		t.Error("GetBool on an int should fail")
	}
}

func TestConfigAPI_AllIsACopy(t *testing.T) {
	svcCtx, _ := newTestContext(t)
	ctx := context.Background()

	all, err := svcCtx.Config().All(ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	all["greeting"] = "changed"

	s, _ := svcCtx.Config().GetString(ctx, "greeting")
	if s != "hello" {
		t.Errorf("config mutated through All(): %q", s)
	}
}

func TestConfigAPI_Decode(t *testing.T) {
	svcCtx, _ := newTestContext(t)

	var cfg struct {
		Greeting string `json:"greeting"`
		Retries  int    `json:"retries"`
		Verbose  bool   `json:"verbose"`
	}
	if err := svcCtx.Config().Decode(context.Background(), &cfg); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if cfg.Greeting != "hello" || cfg.Retries != 3 || !cfg.Verbose {
		t.Errorf("Decode() = %+v", cfg)
	}
}
