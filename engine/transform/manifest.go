package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestFilename is the manifest's name inside the offline output directory.
const ManifestFilename = "manifest.json"

// Manifest entry kinds.
const (
	KindNode         = "node"
	KindRelationship = "relationship"
)

// ManifestEntry maps one destination key to its output file.
type ManifestEntry struct {
	Key    string   `json:"key"`
	Kind   string   `json:"kind"`
	Path   string   `json:"path"`
	Rows   int64    `json:"rows"`
	Header []string `json:"header"`
}

// Manifest indexes every per-destination file written by the offline
// emitter. The loader orchestrator consumes it to build the bulk import
// command; the validator consumes it to reconcile counts.
type Manifest struct {
	GeneratedAt time.Time       `json:"generated_at"`
	SourceDir   string          `json:"source_dir"`
	OutputDir   string          `json:"output_dir"`
	Entries     []ManifestEntry `json:"entries"`
}

// Nodes returns node entries in manifest order.
func (m *Manifest) Nodes() []ManifestEntry { return m.byKind(KindNode) }

// Relationships returns relationship entries in manifest order.
func (m *Manifest) Relationships() []ManifestEntry { return m.byKind(KindRelationship) }

func (m *Manifest) byKind(kind string) []ManifestEntry {
	var out []ManifestEntry
	for _, e := range m.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// TotalRows sums row counts across all entries of a kind.
func (m *Manifest) TotalRows(kind string) int64 {
	var n int64
	for _, e := range m.byKind(kind) {
		n += e.Rows
	}
	return n
}

// Write stores the manifest as JSON inside its output directory.
func (m *Manifest) Write() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	path := filepath.Join(m.OutputDir, ManifestFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest previously written by the offline emitter.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}

// ImportCommand builds the neo4j-admin bulk import command line from the
// manifest: all node files first, then relationship files. The command is
// returned as text for an operator to run; this tool never executes it.
func ImportCommand(m *Manifest, dbName string) string {
	var b strings.Builder
	b.WriteString("neo4j-admin database import full \\\n")
	for _, e := range m.Nodes() {
		fmt.Fprintf(&b, "  --nodes=%q \\\n", e.Path)
	}
	for _, e := range m.Relationships() {
		fmt.Fprintf(&b, "  --relationships=%q \\\n", e.Path)
	}
	b.WriteString("  --delimiter=',' --array-delimiter='|' --multiline-fields=true \\\n")
	b.WriteString("  " + dbName + "\n")
	return b.String()
}
