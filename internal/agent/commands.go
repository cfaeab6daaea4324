package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/orchestrator"
	"github.com/breeze-rmm/meetbot/internal/websocket"
)

// Command types accepted from the control plane.
const (
	CmdJoinMeeting = "join_meeting"
	CmdCancelRun   = "cancel_run"
	CmdRunStatus   = "run_status"
	CmdListRuns    = "list_runs"
)

// Command result statuses.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
)

type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type CommandResult struct {
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// CommandHandler processes a command and returns a result.
type CommandHandler func(a *Agent, cmd Command) CommandResult

// handlerRegistry maps command types to their handlers. Read-only after init.
var handlerRegistry = map[string]CommandHandler{
	CmdJoinMeeting: handleJoinMeeting,
	CmdCancelRun:   handleCancelRun,
	CmdRunStatus:   handleRunStatus,
	CmdListRuns:    handleListRuns,
}

func completed(v any) CommandResult {
	return CommandResult{Status: ResultCompleted, Result: v}
}

func failed(err error) CommandResult {
	return CommandResult{Status: ResultFailed, Error: err.Error()}
}

func handleJoinMeeting(a *Agent, cmd Command) CommandResult {
	var p JoinPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return failed(err)
	}
	if !p.Wait {
		res, err := a.Submit(p.Request())
		if err != nil {
			return failed(err)
		}
		return completed(res)
	}
	res, err := a.RunSync(context.Background(), p.Request())
	if err != nil {
		return failed(err)
	}
	return completed(res)
}

type runRef struct {
	RunID string `json:"runId"`
}

func handleCancelRun(a *Agent, cmd Command) CommandResult {
	var ref runRef
	if err := decodePayload(cmd.Payload, &ref); err != nil {
		return failed(err)
	}
	res, err := a.Cancel(ref.RunID)
	if err != nil {
		return failed(err)
	}
	return completed(res)
}

func handleRunStatus(a *Agent, cmd Command) CommandResult {
	var ref runRef
	if err := decodePayload(cmd.Payload, &ref); err != nil {
		return failed(err)
	}
	res, err := a.Status(ref.RunID)
	if err != nil {
		return failed(err)
	}
	return completed(res)
}

func handleListRuns(a *Agent, cmd Command) CommandResult {
	var q struct {
		Limit int `json:"limit"`
	}
	if err := decodePayload(cmd.Payload, &q); err != nil {
		return failed(err)
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	runs, err := a.List(q.Limit)
	if err != nil {
		return failed(err)
	}
	if runs == nil {
		runs = []*orchestrator.RunResult{}
	}
	return completed(runs)
}

// dispatchCommand looks up the handler and measures its duration. Returns
// false if no handler is registered.
func (a *Agent) dispatchCommand(cmd Command) (CommandResult, bool) {
	handler, ok := handlerRegistry[cmd.Type]
	if !ok {
		log.Warn("no handler registered for command type", "type", cmd.Type)
		return CommandResult{}, false
	}
	start := time.Now()
	result := handler(a, cmd)
	result.DurationMs = time.Since(start).Milliseconds()
	return result, true
}

// ExecuteCommand runs cmd once per command id.
func (a *Agent) ExecuteCommand(cmd Command) CommandResult {
	cmdLog := log.With("commandId", cmd.ID, "commandType", cmd.Type)

	if cmd.ID != "" && !a.markCommandSeen(cmd.ID) {
		cmdLog.Debug("skipping duplicate command")
		return CommandResult{Status: ResultDuplicate}
	}
	if !a.accepting.Load() {
		return failed(ErrShuttingDown)
	}

	cmdLog.Info("processing command")
	result, handled := a.dispatchCommand(cmd)
	if !handled {
		return failed(fmt.Errorf("unknown command type: %s", cmd.Type))
	}
	if result.Error != "" {
		cmdLog.Warn("command failed", logging.KeyError, result.Error)
	}
	return result
}

// HandleCommand adapts ExecuteCommand for the control-plane client.
func (a *Agent) HandleCommand(wsCmd websocket.Command) websocket.CommandResult {
	result := a.ExecuteCommand(Command{ID: wsCmd.ID, Type: wsCmd.Type, Payload: wsCmd.Payload})
	return websocket.CommandResult{
		CommandID: wsCmd.ID,
		Status:    result.Status,
		Result:    result.Result,
		Error:     result.Error,
	}
}

// markCommandSeen returns true the first time id is seen. Entries older
// than 2 minutes are evicted once the map grows past 100.
func (a *Agent) markCommandSeen(id string) bool {
	a.seenCommandsMu.Lock()
	defer a.seenCommandsMu.Unlock()

	if a.seenCommands == nil {
		a.seenCommands = make(map[string]time.Time)
	}
	if _, seen := a.seenCommands[id]; seen {
		return false
	}
	a.seenCommands[id] = time.Now()

	if len(a.seenCommands) > 100 {
		cutoff := time.Now().Add(-2 * time.Minute)
		for k, t := range a.seenCommands {
			if t.Before(cutoff) {
				delete(a.seenCommands, k)
			}
		}
	}
	return true
}

// IsClientError reports whether err was caused by the request rather than
// the agent.
func IsClientError(err error) bool {
	return errors.Is(err, orchestrator.ErrInvalidRequest)
}
