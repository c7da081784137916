// Package config loads the immutable runtime configuration for the
// migration pipeline. Values come from defaults, then an optional YAML
// file, then environment variable overrides; the resulting Config is
// passed by value into engine constructors and never consulted from
// inside core logic.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Postgres holds source database connection settings.
type Postgres struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
}

// DSN returns a pgx-compatible connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// Neo4j holds target database connection settings.
type Neo4j struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Config is the full pipeline configuration.
type Config struct {
	Postgres Postgres `yaml:"postgres"`
	Neo4j    Neo4j    `yaml:"neo4j"`

	// ExportDir receives extracted CSVs and is read by the transformers.
	ExportDir string `yaml:"export_dir"`
	// BulkImportDir receives files prepared for neo4j-admin import.
	BulkImportDir string `yaml:"bulk_import_dir"`

	// LoadBatchSize bounds rows per LOAD commit.
	LoadBatchSize int `yaml:"load_batch_size"`
	// ChunkSize bounds rows held in memory while transforming.
	ChunkSize int `yaml:"chunk_size"`
	// CommitsPerSecond throttles load commits; zero disables throttling.
	CommitsPerSecond float64 `yaml:"commits_per_second"`

	// MetricsPort serves /metrics when positive.
	MetricsPort int `yaml:"metrics_port"`
	// NATSURL enables progress event publishing when set.
	NATSURL string `yaml:"nats_url"`
	// EventsSubject is the NATS subject for run events.
	EventsSubject string `yaml:"events_subject"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Postgres: Postgres{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "password",
			Database: "ohdsi",
			Schema:   "cdm_v5",
		},
		Neo4j: Neo4j{
			URI:      "neo4j://localhost:7687",
			User:     "neo4j",
			Password: "password",
			Database: "neo4j",
		},
		ExportDir:     "export",
		BulkImportDir: "import",
		LoadBatchSize: 10000,
		ChunkSize:     100000,
		EventsSubject: "omop2neo4j.runs",
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Postgres.Host, "PG_HOST")
	envInt(&c.Postgres.Port, "PG_PORT")
	envStr(&c.Postgres.User, "PG_USER")
	envStr(&c.Postgres.Password, "PG_PASSWORD")
	envStr(&c.Postgres.Database, "PG_DATABASE")
	envStr(&c.Postgres.Schema, "PG_SCHEMA")
	envStr(&c.Neo4j.URI, "NEO4J_URI")
	envStr(&c.Neo4j.User, "NEO4J_USER")
	envStr(&c.Neo4j.Password, "NEO4J_PASSWORD")
	envStr(&c.Neo4j.Database, "NEO4J_DATABASE")
	envStr(&c.ExportDir, "EXPORT_DIR")
	envStr(&c.BulkImportDir, "BULK_IMPORT_DIR")
	envInt(&c.LoadBatchSize, "LOAD_BATCH_SIZE")
	envInt(&c.ChunkSize, "CHUNK_SIZE")
	envFloat(&c.CommitsPerSecond, "COMMITS_PER_SECOND")
	envInt(&c.MetricsPort, "METRICS_PORT")
	envStr(&c.NATSURL, "NATS_URL")
	envStr(&c.EventsSubject, "EVENTS_SUBJECT")
}

func (c Config) validate() error {
	if c.LoadBatchSize <= 0 {
		return fmt.Errorf("config: load_batch_size must be positive, got %d", c.LoadBatchSize)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
