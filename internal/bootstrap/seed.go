// Package bootstrap seeds a fresh installation with starter files.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// ExampleSkillID is the directory name of the seeded starter skill.
const ExampleSkillID = "repo-briefing"

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// SeedSkills writes the starter skill into the skills directory unless
// one with the same id already exists. Returns the created file paths.
func SeedSkills(skillsDir string) ([]string, error) {
	dir := filepath.Join(skillsDir, ExampleSkillID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "SKILL.md")
	ok, err := seedFile(path, "SKILL.md")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []string{path}, nil
}

// seedFile writes an embedded template to dst if dst does not exist.
// Returns true when the file was created.
func seedFile(dst, template string) (bool, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", template))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
