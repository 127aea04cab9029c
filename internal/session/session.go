// Package session serializes the hypothesis store, agent registry and
// unresolved tasks into a durable document and restores them.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hypatia-ai/hypatia/internal/hypothesis"
	"github.com/hypatia-ai/hypatia/internal/registry"
	"github.com/hypatia-ai/hypatia/internal/task"
)

// SchemaVersion identifies the document layout. Bump on breaking change.
const SchemaVersion = 1

// Document is the on-disk session record. Loading a document and saving it
// again yields identical bytes: no field here mutates on save.
type Document struct {
	SchemaVersion int                      `json:"schema_version"`
	ResearchGoal  string                   `json:"research_goal,omitempty"`
	ResearchPlan  map[string]string        `json:"research_plan,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	Hypotheses    []*hypothesis.Hypothesis `json:"hypotheses"`
	Agents        []*registry.Agent        `json:"agent_states"`
	Tasks         []*task.Task             `json:"tasks,omitempty"` // unresolved, for crash recovery
	Insights      []string                 `json:"insights,omitempty"`
}

// Save writes the document as indented JSON, creating parent directories
// as needed. The write goes through a temp file and rename so a crash
// cannot leave a truncated session behind.
func Save(path string, doc *Document) error {
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = SchemaVersion
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// Load reads a session document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("session %s has schema %d, newer than supported %d",
			path, doc.SchemaVersion, SchemaVersion)
	}
	return &doc, nil
}
