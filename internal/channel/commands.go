package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const helpText = `Commands:
/reset — clear the conversation
/compact [n] — compact history, keeping the last n turns
/stop — abort the current run
/status — show session stats
/model [id] — show or set the model
/think [level] — show or set the thinking level
/help — this message`

type command struct {
	Name string
	Args []string
}

// parseCommand recognizes a leading-slash command. Anything else,
// including a bare "/", is a normal message.
func parseCommand(text string) (command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") || len(trimmed) < 2 {
		return command{}, false
	}
	fields := strings.Fields(trimmed[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// runCommand executes a slash command against the session and returns
// the acknowledgment text. Commands never reach the model.
func (r *Router) runCommand(ctx context.Context, sessionKey string, cmd command) string {
	switch cmd.Name {
	case "help":
		return helpText

	case "reset":
		if _, err := r.bridge.Do(ctx, sessionKey, "reset", nil); err != nil {
			return "Reset failed: " + err.Error()
		}
		return "Session reset."

	case "compact":
		params := json.RawMessage(nil)
		if len(cmd.Args) > 0 {
			n, err := strconv.Atoi(cmd.Args[0])
			if err != nil || n < 0 {
				return "Usage: /compact [n]"
			}
			params = json.RawMessage(fmt.Sprintf(`{"keep":%d}`, n))
		}
		if _, err := r.bridge.Do(ctx, sessionKey, "compact", params); err != nil {
			return "Compact failed: " + err.Error()
		}
		return "Session compacted."

	case "stop":
		if _, err := r.bridge.Do(ctx, sessionKey, "abort", nil); err != nil {
			return "Stop failed: " + err.Error()
		}
		return "Stopped."

	case "status":
		res, err := r.bridge.Do(ctx, sessionKey, "stats", nil)
		if err != nil {
			return "Status unavailable: " + err.Error()
		}
		return formatStats(sessionKey, res)

	case "model":
		if len(cmd.Args) == 0 {
			model, _ := r.cfg.GetPath("model.id")
			return fmt.Sprintf("Model: %v", model)
		}
		params := json.RawMessage(fmt.Sprintf(`{"model":%q}`, cmd.Args[0]))
		if _, err := r.bridge.Do(ctx, sessionKey, "patch", params); err != nil {
			return "Model change failed: " + err.Error()
		}
		return "Model set to " + cmd.Args[0] + "."

	case "think":
		if len(cmd.Args) == 0 {
			return "Usage: /think <off|low|medium|high>"
		}
		level := strings.ToLower(cmd.Args[0])
		switch level {
		case "off", "low", "medium", "high":
		default:
			return "Usage: /think <off|low|medium|high>"
		}
		params := json.RawMessage(fmt.Sprintf(`{"thinking":%q}`, level))
		if _, err := r.bridge.Do(ctx, sessionKey, "patch", params); err != nil {
			return "Thinking change failed: " + err.Error()
		}
		return "Thinking set to " + level + "."

	default:
		return fmt.Sprintf("Unknown command: /%s — try /help", cmd.Name)
	}
}

// formatStats renders a stats result compactly for a chat reply.
func formatStats(sessionKey string, res any) string {
	stats, ok := res.(map[string]any)
	if !ok {
		return fmt.Sprintf("Session %s", sessionKey)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s", sessionKey)
	for _, field := range []string{"turns", "tokens", "model", "lastActiveAt"} {
		if v, ok := stats[field]; ok {
			fmt.Fprintf(&sb, "\n%s: %v", field, v)
		}
	}
	return sb.String()
}
