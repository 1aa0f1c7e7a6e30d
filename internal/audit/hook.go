package audit

import "log/slog"

// Hook returns a Manager event callback (func(event, server, instanceID
// string)) that records every lifecycle event to store. A write failure
// is logged and swallowed — the manager's own operation must not fail
// because the audit trail could not be persisted.
func Hook(store *Store, logger *slog.Logger) func(event, server, instanceID string) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(event, server, instanceID string) {
		if err := store.Record(event, server, instanceID); err != nil {
			logger.Warn("audit record failed", "event", event, "server", server, "instance", instanceID, "error", err)
		}
	}
}
