package hook

// Built-in hook ids.
const (
	SecurityGuardID     = BuiltinPrefix + "security-guard"
	ForcePushGuardID    = BuiltinPrefix + "force-push-guard"
	LargeFileNotifierID = BuiltinPrefix + "large-file-notifier"
	CompletionLoggerID  = BuiltinPrefix + "completion-logger"
)

// Rule names understood by the policy engine.
const (
	RuleSecurity  = "security"
	RuleForcePush = "force_push"
)

// DefaultLargeFileBytes is the large-file notifier threshold when none is configured.
const DefaultLargeFileBytes = 1 << 20

// Builtins returns the shipped hooks. Guards run before notifiers, which
// run before loggers.
func Builtins(largeFileBytes int64) []Hook {
	if largeFileBytes <= 0 {
		largeFileBytes = DefaultLargeFileBytes
	}
	return []Hook{
		{
			ID:          SecurityGuardID,
			Name:        "Security guard",
			Description: "Blocks command injection, path traversal and credential access.",
			Lifecycle:   PreExecution,
			Action:      ActionGuard,
			Enabled:     true,
			Priority:    0,
			Rule:        RuleSecurity,
			Origin:      OriginBuiltin,
		},
		{
			ID:          ForcePushGuardID,
			Name:        "Force-push guard",
			Description: "Blocks force pushes to protected branches.",
			Lifecycle:   OnFileChange,
			Action:      ActionGuard,
			Enabled:     true,
			Priority:    5,
			Rule:        RuleForcePush,
			Origin:      OriginBuiltin,
		},
		{
			ID:          LargeFileNotifierID,
			Name:        "Large file notifier",
			Description: "Notifies when an action writes a large file.",
			Lifecycle:   OnFileChange,
			Action:      ActionNotify,
			Enabled:     true,
			Priority:    50,
			Condition:   &Condition{MinFileBytes: largeFileBytes},
			Payload:     "large file written: {{files}}",
			Origin:      OriginBuiltin,
		},
		{
			ID:          CompletionLoggerID,
			Name:        "Completion logger",
			Description: "Logs every finished step.",
			Lifecycle:   PostExecution,
			Action:      ActionLog,
			Enabled:     true,
			Priority:    90,
			Payload:     "step {{action}} finished",
			Origin:      OriginBuiltin,
		},
	}
}
