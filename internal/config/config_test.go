package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
embedding:
  provider: mock
  dimensions: 8
storage:
  database_path: ./data/kaiwa.db
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "localhost" {
		t.Errorf("Host default = %q", cfg.Server.Host)
	}
	if cfg.Embedding.Provider != "mock" || cfg.Embedding.Dimensions != 8 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	if cfg.Chunking.ChunkSize != 1000 || cfg.Chunking.ChunkOverlap != 200 {
		t.Errorf("chunking defaults = %+v", cfg.Chunking)
	}
	if cfg.Retrieval.DefaultTopK != 5 || cfg.Retrieval.CandidateCap != 1000 {
		t.Errorf("retrieval defaults = %+v", cfg.Retrieval)
	}
	if !cfg.Retrieval.RerankEnabledOrDefault() {
		t.Error("rerank should default to enabled")
	}
	if cfg.Cleanup.OrphanRetentionDays != 30 {
		t.Errorf("retention default = %d", cfg.Cleanup.OrphanRetentionDays)
	}

	// "./" paths resolve relative to the config directory.
	want := filepath.Join(dir, "data/kaiwa.db")
	if cfg.Storage.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.Storage.DatabasePath, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRerankDisable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("retrieval:\n  rerank_enabled: false\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.RerankEnabledOrDefault() {
		t.Error("rerank_enabled: false not honored")
	}
}
