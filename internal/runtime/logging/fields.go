package logging

import "github.com/drblury/momflow/internal/runtime/kvmsg"

// Field names shared by every component so log lines can be joined on them.
const (
	FieldDestination   = "destination"
	FieldCorrelationID = "correlation_id"
	FieldReplyTo       = "reply_to"
	FieldRetry         = "retry_count"
	FieldSplitCount    = "split_count"
	FieldSplitMID      = "split_mid"
	FieldElapsed       = "elapsed"
	FieldMessage       = "message"
	FieldGroup         = "group"
)

// MessageFields describes msg for a trace line: its routing keys and the
// whole message rendered with sorted keys.
func MessageFields(dest string, msg kvmsg.Message) LogFields {
	fields := LogFields{FieldMessage: msg.String()}
	if dest != "" {
		fields[FieldDestination] = dest
	}
	if id := msg.Text(kvmsg.KeyCorrelationID); id != "" {
		fields[FieldCorrelationID] = id
	}
	if reply := msg.Text(kvmsg.KeyReplyTo); reply != "" {
		fields[FieldReplyTo] = reply
	}
	if n, err := msg.Int32(kvmsg.KeyRetryCount, 0); err == nil && n > 0 {
		fields[FieldRetry] = n
	}
	return fields
}
