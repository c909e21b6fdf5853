package mirror

import "github.com/zeromicro/go-zero/core/logx"

// Notifier is the operator-facing sink. Payloads are small structured maps
// with at least kind-specific context (symbol, reason, sizes).
type Notifier interface {
	Send(kind string, payload map[string]interface{})
}

// Notification kinds.
const (
	NotifyCopied    = "copied"
	NotifySkip      = "skip"
	NotifyRejection = "rejection"
	NotifyInvariant = "invariant"
	NotifyError     = "error"
	NotifyPaused    = "paused"
	NotifyResumed   = "resumed"
	NotifyReport    = "report"
)

// LogNotifier writes notifications to the structured log. It is the default
// sink; richer transports implement Notifier and replace it at wiring time.
type LogNotifier struct{}

func (LogNotifier) Send(kind string, payload map[string]interface{}) {
	fields := make([]logx.LogField, 0, len(payload))
	for key, value := range payload {
		fields = append(fields, logx.Field(key, value))
	}
	logx.Infow("notify: "+kind, fields...)
}

// NopNotifier discards notifications; used in tests.
type NopNotifier struct{}

func (NopNotifier) Send(string, map[string]interface{}) {}
