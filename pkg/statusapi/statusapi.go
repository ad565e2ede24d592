// Package statusapi defines the response types served by the status
// HTTP endpoints and a small client for probing a running instance.
// It lives under pkg/ so external monitors can consume the types.
package statusapi

import "time"

// HealthResponse is the /healthz body. It reports liveness only.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ChannelStatus reports one platform transport.
type ChannelStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Counters are the running totals since process start.
type Counters struct {
	Processed      int64            `json:"processed"`
	LockContention int64            `json:"lock_contention"`
	RateLimited    int64            `json:"rate_limited"`
	APICalls       map[string]int64 `json:"api_calls,omitempty"`
	APIErrors      map[string]int64 `json:"api_errors,omitempty"`
}

// StatusResponse is the /status body.
type StatusResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	StartedAt time.Time       `json:"started_at"`
	UptimeSec int64           `json:"uptime_sec"`
	Channels  []ChannelStatus `json:"channels"`
	Counters  Counters        `json:"counters"`
}
