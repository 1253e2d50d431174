package permission

import (
	"context"

	"github.com/agentmux/coderd/pkg/types"
)

// BuildDenyFunc adapts a session's static PermissionConfig into the Tool
// Registry's DenyFunc shape (see internal/tool/registry.go), covering the
// Denial layer in spec section 4.5: exact tool names and bash command
// patterns. The interactive "ask" path (Checker.Ask/Respond, a pending
// request a human resolves) has no counterpart in this system's closed RPC
// method surface, so a bash command that would normally prompt the user is
// treated as denied here rather than left to block forever with no caller
// able to answer it.
func BuildDenyFunc(cfg *types.PermissionConfig) func(ctx context.Context, toolID string, input map[string]any) (bool, string) {
	return func(ctx context.Context, toolID string, input map[string]any) (bool, string) {
		if cfg == nil {
			return false, ""
		}
		switch toolID {
		case "edit", "write", "patch":
			if cfg.Edit == string(ActionDeny) {
				return true, "edit tools are denied for this session"
			}
		case "webfetch":
			if cfg.WebFetch == string(ActionDeny) {
				return true, "webfetch is denied for this session"
			}
		case "bash":
			command, _ := input["command"].(string)
			if command == "" {
				return false, ""
			}
			return denyBashCommand(cfg, command)
		}
		return false, ""
	}
}

func denyBashCommand(cfg *types.PermissionConfig, command string) (bool, string) {
	commands, err := ParseBashCommand(command)
	if err != nil || len(commands) == 0 {
		return false, ""
	}

	perms := bashPermissionMap(cfg.Bash)
	if len(perms) == 0 {
		return false, ""
	}
	for _, cmd := range commands {
		action := MatchBashPermission(cmd, perms)
		if action == ActionDeny {
			return true, "bash command matches a denied pattern: " + BuildPattern(cmd)
		}
		if action == ActionAsk {
			return true, "bash command requires interactive approval, which this server cannot collect: " + BuildPattern(cmd)
		}
	}
	return false, ""
}

// bashPermissionMap normalizes PermissionConfig.Bash (either a single
// string applied to every command, or a pattern->action map) into the
// map MatchBashPermission expects.
func bashPermissionMap(bash interface{}) map[string]PermissionAction {
	switch v := bash.(type) {
	case string:
		return map[string]PermissionAction{"*": PermissionAction(v)}
	case map[string]string:
		out := make(map[string]PermissionAction, len(v))
		for k, val := range v {
			out[k] = PermissionAction(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]PermissionAction, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = PermissionAction(s)
			}
		}
		return out
	default:
		return nil
	}
}
