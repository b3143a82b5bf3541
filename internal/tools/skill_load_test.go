package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shipworks/ship/internal/chatkey"
	"github.com/shipworks/ship/internal/skills"
)

func testLibrary(t *testing.T) *skills.Library {
	t.Helper()
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "deploy")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `---
name: Deploy helper
description: Release steps.
allowed-tools: exec_command
---
Ship staging before production.`
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := skills.NewLibrary(dir)
	if err := lib.Load(); err != nil {
		t.Fatal(err)
	}
	return lib
}

func TestSkillLoad(t *testing.T) {
	lib := testLibrary(t)
	var pinned []string
	tool := NewSkillLoadTool(lib, func(key chatkey.Key, skillID string) error {
		pinned = append(pinned, skillID)
		return nil
	}, true)

	rc := testRC(t)
	res := tool.Execute(context.Background(), rc, map[string]any{"skill": "Deploy helper"})
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.ForLLM, "Ship staging before production.") {
		t.Errorf("content missing from result: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "allowed-tools: exec_command") {
		t.Errorf("allowed-tools note missing: %q", res.ForLLM)
	}

	loaded := rc.LoadedSkills()
	if len(loaded) != 1 || loaded[0].ID != "deploy" {
		t.Errorf("loaded = %v", loaded)
	}
	if len(pinned) != 1 || pinned[0] != "deploy" {
		t.Errorf("pinned = %v", pinned)
	}

	// Loading again reports it, and pins are the policy's problem to dedupe.
	res = tool.Execute(context.Background(), rc, map[string]any{"skill": "deploy"})
	if res.IsError || !strings.Contains(res.ForLLM, "already loaded") {
		t.Errorf("repeat result = %+v", res)
	}
}

func TestSkillLoadNoAutoPin(t *testing.T) {
	lib := testLibrary(t)
	var pinned []string
	tool := NewSkillLoadTool(lib, func(key chatkey.Key, skillID string) error {
		pinned = append(pinned, skillID)
		return nil
	}, false)

	tool.Execute(context.Background(), testRC(t), map[string]any{"skill": "deploy"})
	if len(pinned) != 0 {
		t.Errorf("pinned = %v, want none", pinned)
	}
}

func TestSkillLoadUnknown(t *testing.T) {
	tool := NewSkillLoadTool(testLibrary(t), nil, false)
	res := tool.Execute(context.Background(), testRC(t), map[string]any{"skill": "ghost"})
	if !res.IsError {
		t.Fatal("unknown skill should error")
	}
	if !strings.Contains(res.ForLLM, "deploy") {
		t.Errorf("error should list available skills: %q", res.ForLLM)
	}
}
