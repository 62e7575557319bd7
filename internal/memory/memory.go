// Package memory implements the Memory Store (spec §3, §4.7, §4.9):
// episodic log and semantic notes, each persisted as one JSON file per
// item under memory/episodes/ and memory/semantic/ (spec §6). An
// optional local vector cache lives in the vectorindex subpackage.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cua-agent/cua-agent/internal/filelock"
	"github.com/cua-agent/cua-agent/internal/plan"
)

// Outcome classifies how a task ended (spec §3 Episode).
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeMixed      Outcome = "mixed"
	OutcomeIncomplete Outcome = "incomplete"
)

// Episode is one completed (or halted) task (spec §3, §6).
type Episode struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UserPrompt  string    `json:"user_prompt"`
	Plan        plan.Plan `json:"plan"`
	Outcome     Outcome   `json:"outcome"`
	Summary     string    `json:"summary"`
	Tags        []string  `json:"tags,omitempty"`
	RawLogPath  string    `json:"raw_log_path"`
}

// SemanticMemoryItem is a retrievable note with an optional embedding
// (spec §3, §6).
type SemanticMemoryItem struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// EpisodeStore persists Episodes as one JSON file per episode.
type EpisodeStore struct {
	root string
}

// NewEpisodeStore roots an EpisodeStore at memory/episodes/.
func NewEpisodeStore(root string) *EpisodeStore {
	return &EpisodeStore{root: root}
}

// Save assigns an ID and created_at if unset, then writes the episode.
func (s *EpisodeStore) Save(ep Episode) (Episode, error) {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	if err := writeJSONAtomic(s.root, ep.ID, ep); err != nil {
		return Episode{}, err
	}
	return ep, nil
}

// Get loads an episode by id.
func (s *EpisodeStore) Get(id string) (Episode, bool) {
	var ep Episode
	ok := readJSON(s.root, id, &ep)
	return ep, ok
}

// Recent returns the n most recently created episodes, newest first
// (spec §4.7: "recent episodes (last 3)").
func (s *EpisodeStore) Recent(n int) ([]Episode, error) {
	ids, err := listIDs(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]Episode, 0, len(ids))
	for _, id := range ids {
		var ep Episode
		if readJSON(s.root, id, &ep) {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SemanticStore persists SemanticMemoryItems as one JSON file per item.
type SemanticStore struct {
	root string
}

// NewSemanticStore roots a SemanticStore at memory/semantic/.
func NewSemanticStore(root string) *SemanticStore {
	return &SemanticStore{root: root}
}

// Save assigns an ID and created_at if unset, then writes the item.
func (s *SemanticStore) Save(item SemanticMemoryItem) (SemanticMemoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if err := writeJSONAtomic(s.root, item.ID, item); err != nil {
		return SemanticMemoryItem{}, err
	}
	return item, nil
}

// Get loads a semantic memory item by id.
func (s *SemanticStore) Get(id string) (SemanticMemoryItem, bool) {
	var item SemanticMemoryItem
	ok := readJSON(s.root, id, &item)
	return item, ok
}

// All returns every persisted semantic memory item.
func (s *SemanticStore) All() ([]SemanticMemoryItem, error) {
	ids, err := listIDs(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]SemanticMemoryItem, 0, len(ids))
	for _, id := range ids {
		var item SemanticMemoryItem
		if readJSON(s.root, id, &item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func writeJSONAtomic(root, id string, v any) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create memory dir %s: %w", root, err)
	}
	path := filepath.Join(root, id+".json")
	lockHandle, err := filelock.Lock(path)
	if err != nil {
		return err
	}
	defer filelock.Unlock(lockHandle)

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write %s: %w", id, err)
	}
	return os.Rename(tmp, path)
}

func readJSON(root, id string, v any) bool {
	b, err := os.ReadFile(filepath.Join(root, id+".json")) //nolint:gosec // G304: id is a uuid, not attacker path
	if err != nil {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

func listIDs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	return out, nil
}
