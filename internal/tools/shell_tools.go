package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shipworks/ship/internal/shell"
)

// ============================================================
// exec_command / write_stdin / close_shell
// ============================================================

// ExecCommandTool opens a new shell session for the current run.
type ExecCommandTool struct {
	manager *shell.Manager
	workdir string
}

func NewExecCommandTool(manager *shell.Manager, workdir string) *ExecCommandTool {
	return &ExecCommandTool{manager: manager, workdir: workdir}
}

func (t *ExecCommandTool) Name() string { return ToolExecCommand }
func (t *ExecCommandTool) Description() string {
	return "Execute a shell command. Long-running commands keep a session open for write_stdin and close_shell."
}

func (t *ExecCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecCommandTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	if err := shell.CheckCommand(command); err != nil {
		return ErrorResult(err.Error())
	}

	out, err := t.manager.Exec(ctx, rc.RunID, command, t.workdir)
	if err != nil {
		return ErrorResult(fmt.Sprintf("exec: %v", err)).WithError(err)
	}
	return shellResult(out)
}

// WriteStdinTool writes to an open session's stdin and collects output.
type WriteStdinTool struct {
	manager *shell.Manager
}

func NewWriteStdinTool(manager *shell.Manager) *WriteStdinTool {
	return &WriteStdinTool{manager: manager}
}

func (t *WriteStdinTool) Name() string { return ToolWriteStdin }
func (t *WriteStdinTool) Description() string {
	return "Write to an open shell session's stdin and return fresh output. Omit data to just poll."
}

func (t *WriteStdinTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "Session id returned by exec_command",
			},
			"data": map[string]any{
				"type":        "string",
				"description": "Bytes to write verbatim (include trailing newline to submit a line)",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *WriteStdinTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return ErrorResult("session_id is required")
	}
	data, _ := args["data"].(string)

	out, err := t.manager.Write(ctx, sessionID, data)
	if err != nil {
		if errors.Is(err, shell.ErrSessionNotFound) {
			return Errorf("no open session %s (it may have exited)", sessionID)
		}
		return ErrorResult(fmt.Sprintf("write_stdin: %v", err)).WithError(err)
	}
	return shellResult(out)
}

// CloseShellTool ends an open session.
type CloseShellTool struct {
	manager *shell.Manager
}

func NewCloseShellTool(manager *shell.Manager) *CloseShellTool {
	return &CloseShellTool{manager: manager}
}

func (t *CloseShellTool) Name() string { return ToolCloseShell }
func (t *CloseShellTool) Description() string {
	return "Close an open shell session, returning any final output."
}

func (t *CloseShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": map[string]any{
				"type":        "string",
				"description": "Session id returned by exec_command",
			},
		},
		"required": []string{"session_id"},
	}
}

func (t *CloseShellTool) Execute(ctx context.Context, rc *RunContext, args map[string]any) *Result {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return ErrorResult("session_id is required")
	}

	out, err := t.manager.Close(sessionID)
	if err != nil {
		if errors.Is(err, shell.ErrSessionNotFound) {
			return Errorf("no open session %s (it may have exited)", sessionID)
		}
		return ErrorResult(fmt.Sprintf("close_shell: %v", err)).WithError(err)
	}
	return shellResult(out)
}

func shellResult(out shell.Output) *Result {
	text := strings.TrimRight(out.Output, "\n")
	if out.Running {
		note := fmt.Sprintf("[session %s is running; use write_stdin to interact or close_shell to end it]", out.SessionID)
		if text == "" {
			return NewResult(note)
		}
		return NewResult(text + "\n" + note)
	}
	if out.ExitCode != 0 {
		msg := fmt.Sprintf("command exited with code %d", out.ExitCode)
		if text != "" {
			msg = text + "\n" + msg
		}
		return ErrorResult(msg)
	}
	if text == "" {
		return NewResult("(command completed with no output)")
	}
	return NewResult(text)
}
