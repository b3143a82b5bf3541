package tools

import (
	"testing"

	"github.com/shipworks/ship/internal/skills"
)

func TestToolAllowed(t *testing.T) {
	rc := testRC(t)
	if !rc.ToolAllowed("anything") {
		t.Error("nil whitelist should allow everything")
	}

	rc.ActiveTools = []string{"alpha", "beta"}
	cases := []struct {
		tool string
		want bool
	}{
		{"alpha", true},
		{"beta", true},
		{"gamma", false},
		{ToolExecCommand, true},
		{ToolWriteStdin, true},
		{ToolCloseShell, true},
	}
	for _, tc := range cases {
		if got := rc.ToolAllowed(tc.tool); got != tc.want {
			t.Errorf("ToolAllowed(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}

	rc.ActiveTools = []string{}
	if rc.ToolAllowed("alpha") {
		t.Error("empty whitelist should block ordinary tools")
	}
	if !rc.ToolAllowed(ToolExecCommand) {
		t.Error("empty whitelist should not block shell primitives")
	}
}

func TestBeginSendSequence(t *testing.T) {
	rc := testRC(t)
	rc.SendBudget = 2

	if v := rc.BeginSend(Fingerprint("a")); v != SendProceed {
		t.Fatalf("first = %v", v)
	}
	if v := rc.BeginSend(Fingerprint("a")); v != SendDuplicate {
		t.Fatalf("repeat = %v", v)
	}
	if v := rc.BeginSend(Fingerprint("b")); v != SendProceed {
		t.Fatalf("second = %v", v)
	}
	if v := rc.BeginSend(Fingerprint("c")); v != SendBudgetExhausted {
		t.Fatalf("over budget = %v", v)
	}
	// Duplicates are still reported as duplicates after exhaustion.
	if v := rc.BeginSend(Fingerprint("b")); v != SendDuplicate {
		t.Fatalf("post-exhaustion repeat = %v", v)
	}
}

func TestAbortSendForgetsFingerprint(t *testing.T) {
	rc := testRC(t)
	rc.SendBudget = 2

	if v := rc.BeginSend(Fingerprint("x")); v != SendProceed {
		t.Fatalf("first = %v", v)
	}
	rc.AbortSend(Fingerprint("x"))
	if got := rc.SentFingerprints(); len(got) != 0 {
		t.Fatalf("fingerprints = %v, want none after abort", got)
	}

	// The same text may be retried; the failed attempt's slot stays spent.
	if v := rc.BeginSend(Fingerprint("x")); v != SendProceed {
		t.Fatalf("retry = %v", v)
	}
	if v := rc.BeginSend(Fingerprint("y")); v != SendBudgetExhausted {
		t.Fatalf("post-retry = %v, want budget exhausted", v)
	}
}

func TestLoadSkillReplaces(t *testing.T) {
	rc := testRC(t)
	if !rc.LoadSkill(skills.Skill{ID: "s1", Name: "one"}) {
		t.Error("first load should report added")
	}
	if rc.LoadSkill(skills.Skill{ID: "s1", Name: "one v2"}) {
		t.Error("second load should report already present")
	}
	rc.LoadSkill(skills.Skill{ID: "a0", Name: "zero"})

	loaded := rc.LoadedSkills()
	if len(loaded) != 2 || loaded[0].ID != "a0" || loaded[1].ID != "s1" {
		t.Fatalf("loaded = %v", loaded)
	}
	if loaded[1].Name != "one v2" {
		t.Errorf("later record should win: %+v", loaded[1])
	}
}

func TestRunContextIdentity(t *testing.T) {
	rc := testRC(t)
	if rc.ChatKey != "telegram-chat-100" {
		t.Errorf("chat key = %q", rc.ChatKey)
	}
	if rc.RunID == "" || rc.RequestID != "req-1" {
		t.Errorf("ids = %q / %q", rc.RunID, rc.RequestID)
	}
	if rc2 := NewRunContext(rc.Key, "req-2"); rc2.RunID == rc.RunID {
		t.Error("run ids should be unique")
	}
}
