package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shipworks/ship/internal/skills"
)

func TestSeedSkillsCreatesStarterSkill(t *testing.T) {
	dir := t.TempDir()

	created, err := SeedSkills(dir)
	if err != nil {
		t.Fatalf("SeedSkills: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created = %v", created)
	}

	// The seeded file must parse as a loadable skill.
	lib := skills.NewLibrary(dir)
	if err := lib.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sk, ok := lib.Get(ExampleSkillID)
	if !ok {
		t.Fatalf("seeded skill %q not loadable", ExampleSkillID)
	}
	if sk.Name == "" || sk.Description == "" {
		t.Errorf("skill front matter incomplete: %+v", sk)
	}
	if len(sk.AllowedTools) == 0 {
		t.Error("starter skill should demonstrate allowed-tools")
	}
}

func TestSeedSkillsNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ExampleSkillID, "SKILL.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("name: mine\ndescription: edited\n\ncustom"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := SeedSkills(dir)
	if err != nil {
		t.Fatalf("SeedSkills: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("created = %v, want none", created)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "custom") {
		t.Error("existing skill was overwritten")
	}
}

func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate("SKILL.md")
	if err != nil {
		t.Fatalf("ReadTemplate: %v", err)
	}
	if !strings.Contains(content, "name: "+ExampleSkillID) {
		t.Errorf("template missing id front matter:\n%s", content)
	}
	if _, err := ReadTemplate("NOPE.md"); err == nil {
		t.Error("expected error for unknown template")
	}
}
