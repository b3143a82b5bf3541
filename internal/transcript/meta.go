package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Defaults applied when meta.json is missing or a field is zero.
const (
	DefaultKeepLastMessages     = 30
	DefaultMaxInputTokensApprox = 16000
)

// Meta is the per-context sidecar state next to history.jsonl.
type Meta struct {
	PinnedSkillIDs       []string `json:"pinnedSkillIds"`
	LastArchiveID        string   `json:"lastArchiveId,omitempty"`
	KeepLastMessages     int      `json:"keepLastMessages"`
	MaxInputTokensApprox int      `json:"maxInputTokensApprox"`

	// TotalMessages caches the history line count so callers get it without
	// scanning. Repaired from the file when a scan proves it stale.
	TotalMessages int `json:"totalMessages"`
}

func defaultMeta() Meta {
	return Meta{
		PinnedSkillIDs:       []string{},
		KeepLastMessages:     DefaultKeepLastMessages,
		MaxInputTokensApprox: DefaultMaxInputTokensApprox,
	}
}

func (m *Meta) applyDefaults() {
	if m.PinnedSkillIDs == nil {
		m.PinnedSkillIDs = []string{}
	}
	if m.KeepLastMessages <= 0 {
		m.KeepLastMessages = DefaultKeepLastMessages
	}
	if m.MaxInputTokensApprox <= 0 {
		m.MaxInputTokensApprox = DefaultMaxInputTokensApprox
	}
}

func loadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultMeta(), nil
		}
		return defaultMeta(), err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return defaultMeta(), fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	m.applyDefaults()
	return m, nil
}

// saveMeta writes meta.json atomically: temp file in the same directory,
// then rename over the target.
func saveMeta(path string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*.json")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp meta: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	keep = true
	return nil
}
