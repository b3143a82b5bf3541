package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shipworks/ship/internal/msg"
)

const testKey = "telegram-chat-42"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func appendUser(t *testing.T, s *Store, text string) msg.Message {
	t.Helper()
	m := msg.NewUser(testKey, text)
	if err := s.Append(m); err != nil {
		t.Fatalf("Append(%q): %v", text, err)
	}
	return m
}

func TestAppendAndLoadAll(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		appendUser(t, s, fmt.Sprintf("message %d", i))
	}
	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i, m := range all {
		want := fmt.Sprintf("message %d", i)
		if got := m.TextContent(); got != want {
			t.Errorf("message %d text = %q, want %q", i, got, want)
		}
	}
	if got := s.TotalMessageCount(); got != 5 {
		t.Errorf("TotalMessageCount = %d, want 5", got)
	}
}

func TestLoadAllSkipsMalformedLines(t *testing.T) {
	s := openTestStore(t)
	appendUser(t, s, "good one")

	f, err := os.OpenFile(s.historyPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()
	appendUser(t, s, "good two")

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2 (garbage skipped)", len(all))
	}
	if all[0].TextContent() != "good one" || all[1].TextContent() != "good two" {
		t.Errorf("unexpected order: %q, %q", all[0].TextContent(), all[1].TextContent())
	}
}

func TestCounterRepairsAfterDrift(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	appendUser(t, s, "one")
	appendUser(t, s, "two")

	// Simulate loss of the sidecar: a reopened store must rebuild the count
	// from the history file.
	if err := os.Remove(s.metaPath()); err != nil {
		t.Fatalf("remove meta: %v", err)
	}
	s2, err := Open(root, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.TotalMessageCount(); got != 2 {
		t.Errorf("TotalMessageCount after reopen = %d, want 2", got)
	}
}

func TestLoadRangeAndTail(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 6; i++ {
		appendUser(t, s, fmt.Sprintf("m%d", i))
	}

	got, err := s.LoadRange(2, 4)
	if err != nil {
		t.Fatalf("LoadRange: %v", err)
	}
	if len(got) != 2 || got[0].TextContent() != "m2" || got[1].TextContent() != "m3" {
		t.Errorf("LoadRange(2,4) wrong slice: %d items", len(got))
	}

	got, err = s.LoadRange(4, 99)
	if err != nil {
		t.Fatalf("LoadRange clamp: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("LoadRange(4,99) len = %d, want 2", len(got))
	}

	got, err = s.LoadTail(2)
	if err != nil {
		t.Fatalf("LoadTail: %v", err)
	}
	if len(got) != 2 || got[1].TextContent() != "m5" {
		t.Errorf("LoadTail(2) wrong tail")
	}
}

func TestPatchMetaAndPinSkill(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m := s.Meta(); m.KeepLastMessages != DefaultKeepLastMessages {
		t.Fatalf("default keepLast = %d", m.KeepLastMessages)
	}

	if err := s.PatchMeta(func(m *Meta) { m.KeepLastMessages = 7 }); err != nil {
		t.Fatalf("PatchMeta: %v", err)
	}
	if err := s.PinSkill("deploy"); err != nil {
		t.Fatalf("PinSkill: %v", err)
	}
	if err := s.PinSkill("deploy"); err != nil {
		t.Fatalf("PinSkill dup: %v", err)
	}

	// Settings survive a reopen.
	s2, err := Open(root, testKey)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m := s2.Meta()
	if m.KeepLastMessages != 7 {
		t.Errorf("keepLast after reopen = %d, want 7", m.KeepLastMessages)
	}
	if len(m.PinnedSkillIDs) != 1 || m.PinnedSkillIDs[0] != "deploy" {
		t.Errorf("pinned = %v, want [deploy]", m.PinnedSkillIDs)
	}
}

func TestMetaSetters(t *testing.T) {
	s, err := Open(t.TempDir(), testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.SetPinnedSkills([]string{"deploy", "triage"}); err != nil {
		t.Fatalf("SetPinnedSkills: %v", err)
	}
	if err := s.SetPinnedSkills([]string{"triage"}); err != nil {
		t.Fatalf("SetPinnedSkills replace: %v", err)
	}
	if m := s.Meta(); len(m.PinnedSkillIDs) != 1 || m.PinnedSkillIDs[0] != "triage" {
		t.Errorf("pinned = %v, want [triage]", m.PinnedSkillIDs)
	}

	if err := s.SetKeepLastMessages(12); err != nil {
		t.Fatalf("SetKeepLastMessages: %v", err)
	}
	if m := s.Meta(); m.KeepLastMessages != 12 {
		t.Errorf("keepLast = %d, want 12", m.KeepLastMessages)
	}

	// Non-positive resets to the default.
	if err := s.SetKeepLastMessages(0); err != nil {
		t.Fatalf("SetKeepLastMessages(0): %v", err)
	}
	if m := s.Meta(); m.KeepLastMessages != DefaultKeepLastMessages {
		t.Errorf("keepLast = %d, want default %d", m.KeepLastMessages, DefaultKeepLastMessages)
	}
}

func TestTaskRunStoreLandsUnderTaskDir(t *testing.T) {
	root := t.TempDir()
	key := "task-run:daily-report:1710000000000"
	s, err := Open(root, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(msg.NewUser(key, "run it")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := filepath.Join(root, ".ship", "task", "daily-report", "1710000000000", "messages", "history.jsonl")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("history not at task path: %v", err)
	}
}

func TestOpenSeedsCompactionDefaultsOnce(t *testing.T) {
	root := t.TempDir()

	s, err := Open(root, testKey, WithCompactionDefaults(10, 4000))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := s.Meta()
	if m.KeepLastMessages != 10 || m.MaxInputTokensApprox != 4000 {
		t.Fatalf("seeded meta = %+v", m)
	}
	appendUser(t, s, "persist the meta")

	// An existing meta wins over later seeds.
	s2, err := Open(root, testKey, WithCompactionDefaults(99, 99999))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	m = s2.Meta()
	if m.KeepLastMessages != 10 || m.MaxInputTokensApprox != 4000 {
		t.Errorf("reopened meta = %+v, want first seed kept", m)
	}

	// Zero seeds keep the package defaults.
	s3, err := Open(root, "telegram-chat-43", WithCompactionDefaults(0, 0))
	if err != nil {
		t.Fatalf("Open fresh: %v", err)
	}
	m = s3.Meta()
	if m.KeepLastMessages != DefaultKeepLastMessages || m.MaxInputTokensApprox != DefaultMaxInputTokensApprox {
		t.Errorf("zero-seed meta = %+v, want defaults", m)
	}
}
