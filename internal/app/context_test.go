package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"grantflow/internal/config"
	"grantflow/internal/directory"
	"grantflow/internal/engine"
	"grantflow/internal/metrics"
)

func writeConfig(t *testing.T, dir, yaml string) {
	t.Helper()
	if err := os.WriteFile(config.Path(dir), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestOpenWiresCachedDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, config.GenerateDefault("Test University"))
	a, err := Open(context.Background(), Options{Workspace: dir, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if _, ok := a.Directory.(*directory.Cached); !ok {
		t.Fatalf("expected cached directory, got %T", a.Directory)
	}
	title, dept := "Soil carbon", "BIO"
	p, err := a.Engine.SubmitProposal(context.Background(), engine.ProposalInput{Title: &title, Department: &dept}, "pi-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.ID == "" {
		t.Fatalf("expected proposal id")
	}
}

func TestOpenWithoutCacheUsesStaticDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, strings.Replace(config.GenerateDefault("Test University"), "cache_ttl: 5m", "cache_ttl: -1s", 1))
	a, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, ok := a.Directory.(*directory.Static); !ok {
		t.Fatalf("expected static directory, got %T", a.Directory)
	}
}

func TestOpenRequiresConfig(t *testing.T) {
	if _, err := Open(context.Background(), Options{Workspace: t.TempDir()}); err == nil {
		t.Fatalf("expected missing config error")
	}
}
