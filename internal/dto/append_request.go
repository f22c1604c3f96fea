package dto

import "logship-agent/internal/model"

// AppendLogRequest is the body of POST /api/v1/logs. Timestamp accepts
// RFC3339 (with or without fractional seconds) or epoch milliseconds;
// omitted means the backend stamps the record on arrival.
type AppendLogRequest struct {
	LogName        string                `json:"logName"`
	Severity       string                `json:"severity"`
	Labels         map[string]string     `json:"labels"`
	Timestamp      string                `json:"timestamp"`
	SourceLocation *model.SourceLocation `json:"sourceLocation"`
	TextPayload    string                `json:"textPayload"`
}

// HealthResponse reports liveness plus durable queue pressure.
type HealthResponse struct {
	Status         string `json:"status"`
	PendingEntries int    `json:"pendingEntries"`
	PendingBytes   int64  `json:"pendingBytes"`
}
