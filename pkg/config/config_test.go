package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LoadBatchSize != 10000 {
		t.Errorf("LoadBatchSize = %d", cfg.LoadBatchSize)
	}
	if cfg.ChunkSize != 100000 {
		t.Errorf("ChunkSize = %d", cfg.ChunkSize)
	}
	if cfg.Postgres.Schema != "cdm_v5" {
		t.Errorf("Schema = %q", cfg.Postgres.Schema)
	}
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := "neo4j:\n  uri: neo4j://graph:7687\nchunk_size: 500\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Neo4j.URI != "neo4j://graph:7687" {
		t.Errorf("URI = %q", cfg.Neo4j.URI)
	}
	if cfg.ChunkSize != 500 {
		t.Errorf("ChunkSize = %d", cfg.ChunkSize)
	}
	// Untouched fields keep defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Port = %d", cfg.Postgres.Port)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("NEO4J_PASSWORD", "secret")
	t.Setenv("LOAD_BATCH_SIZE", "250")
	t.Setenv("COMMITS_PER_SECOND", "2.5")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Neo4j.Password != "secret" {
		t.Errorf("Password = %q", cfg.Neo4j.Password)
	}
	if cfg.LoadBatchSize != 250 {
		t.Errorf("LoadBatchSize = %d", cfg.LoadBatchSize)
	}
	if cfg.CommitsPerSecond != 2.5 {
		t.Errorf("CommitsPerSecond = %v", cfg.CommitsPerSecond)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "-1")
	if _, err := Load(""); err == nil {
		t.Error("expected validation error for negative chunk size")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cfg.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDSN(t *testing.T) {
	p := Postgres{Host: "h", Port: 5, User: "u", Password: "pw", Database: "d"}
	want := "host=h port=5 user=u password=pw dbname=d"
	if got := p.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
