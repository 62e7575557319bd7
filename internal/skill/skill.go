// Package skill implements the Skill Store (spec §4: "Content-addressed
// persistence of successful macros with fingerprint deduplication"): one
// JSON file per ProceduralSkill under memory/skills/, keyed by a SHA-1
// fingerprint of the canonical action list.
package skill

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/filelock"
)

// ProceduralSkill is a persisted, reusable macro (spec §3).
type ProceduralSkill struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Actions       []action.Action `json:"actions"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	UsageCount    int             `json:"usage_count"`
	LastUsed      *time.Time      `json:"last_used,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Fingerprint   string          `json:"fingerprint"`
	SourcePrompt  string          `json:"source_prompt,omitempty"`
	PlanStepID    int             `json:"plan_step_id,omitempty"`
	Embedding     []float64       `json:"embedding,omitempty"`
	SemanticHints []string        `json:"semantic_hints,omitempty"`
}

// Fingerprint computes the content address of an action list: SHA-1 of
// its canonical (sorted-key, minimal-whitespace) JSON (spec §6).
func Fingerprint(actions []action.Action) (string, error) {
	b, err := action.CanonicalJSON(actions)
	if err != nil {
		return "", fmt.Errorf("canonicalize actions: %w", err)
	}
	sum := sha1.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// Store persists ProceduralSkills as one JSON file per skill under root.
type Store struct {
	root string
}

// New builds a Store rooted at a memory/skills directory.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) pathFor(fingerprint string) string {
	return filepath.Join(s.root, fingerprint+".json")
}

// Save persists a skill. If a skill with the same fingerprint already
// exists, it updates usage_count, last_used, and merges tags rather than
// overwriting (spec §3 invariant: "one skill per fingerprint; re-saving
// the same fingerprint updates usage/timestamps and merges tags").
func (s *Store) Save(sk ProceduralSkill) (ProceduralSkill, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return ProceduralSkill{}, fmt.Errorf("create skill store dir: %w", err)
	}
	fp, err := Fingerprint(sk.Actions)
	if err != nil {
		return ProceduralSkill{}, err
	}
	sk.Fingerprint = fp

	lockHandle, err := filelock.Lock(s.pathFor(fp))
	if err != nil {
		return ProceduralSkill{}, err
	}
	defer filelock.Unlock(lockHandle)

	now := time.Now()
	if existing, ok := s.readLocked(fp); ok {
		existing.UsageCount++
		existing.UpdatedAt = now
		existing.LastUsed = &now
		existing.Tags = mergeTags(existing.Tags, sk.Tags)
		if sk.Description != "" {
			existing.Description = sk.Description
		}
		if len(sk.SemanticHints) > 0 {
			existing.SemanticHints = mergeTags(existing.SemanticHints, sk.SemanticHints)
		}
		if err := s.writeLocked(existing); err != nil {
			return ProceduralSkill{}, err
		}
		return existing, nil
	}

	if sk.ID == "" {
		sk.ID = fp[:12]
	}
	sk.CreatedAt = now
	sk.UpdatedAt = now
	if err := s.writeLocked(sk); err != nil {
		return ProceduralSkill{}, err
	}
	return sk, nil
}

// Get loads a skill by fingerprint.
func (s *Store) Get(fingerprint string) (ProceduralSkill, bool) {
	return s.readLocked(fingerprint)
}

// Resolve looks up a skill by id, name, or fingerprint (spec §4.3
// "run_skill: look up the skill by id or name").
func (s *Store) Resolve(idOrName string) (ProceduralSkill, bool) {
	if sk, ok := s.readLocked(idOrName); ok {
		return sk, true
	}
	all, err := s.List()
	if err != nil {
		return ProceduralSkill{}, false
	}
	for _, sk := range all {
		if sk.ID == idOrName || strings.EqualFold(sk.Name, idOrName) {
			return sk, true
		}
	}
	return ProceduralSkill{}, false
}

// RecordUsage increments usage_count and sets last_used for an already
// resolved skill (spec §4.3 "record usage").
func (s *Store) RecordUsage(fingerprint string) {
	sk, ok := s.readLocked(fingerprint)
	if !ok {
		return
	}
	now := time.Now()
	sk.UsageCount++
	sk.LastUsed = &now
	sk.UpdatedAt = now
	_ = s.writeLocked(sk)
}

// List returns every persisted skill.
func (s *Store) List() ([]ProceduralSkill, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list skill store: %w", err)
	}
	out := make([]ProceduralSkill, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		fp := strings.TrimSuffix(e.Name(), ".json")
		if sk, ok := s.readLocked(fp); ok {
			out = append(out, sk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) readLocked(fingerprint string) (ProceduralSkill, bool) {
	b, err := os.ReadFile(s.pathFor(fingerprint)) //nolint:gosec // G304: fingerprint is a hex digest, not attacker path
	if err != nil {
		return ProceduralSkill{}, false
	}
	var sk ProceduralSkill
	if err := json.Unmarshal(b, &sk); err != nil {
		return ProceduralSkill{}, false
	}
	return sk, true
}

func (s *Store) writeLocked(sk ProceduralSkill) error {
	b, err := json.MarshalIndent(sk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal skill: %w", err)
	}
	tmp := s.pathFor(sk.Fingerprint) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("write skill: %w", err)
	}
	return os.Rename(tmp, s.pathFor(sk.Fingerprint))
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
