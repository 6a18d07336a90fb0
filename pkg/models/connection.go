package models

import "time"

// ConnStatus represents the realtime connection status.
type ConnStatus string

const (
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnDisconnected ConnStatus = "disconnected"
	ConnError        ConnStatus = "error"
)

// ConnQuality is a coarse signal of how cleanly the connection came up.
type ConnQuality string

const (
	QualityExcellent ConnQuality = "excellent"
	QualityGood      ConnQuality = "good"
	QualityPoor      ConnQuality = "poor"
	QualityUnknown   ConnQuality = "unknown"
)

// ConnectionState is the supervisor-visible view of a session's realtime
// connection. RetryCount resets to zero whenever Status transitions to
// connected and never exceeds the configured retry maximum.
type ConnectionState struct {
	Status          ConnStatus  `json:"status"`
	Quality         ConnQuality `json:"quality"`
	LastConnectedAt time.Time   `json:"last_connected_at,omitempty"`
	RetryCount      int         `json:"retry_count"`
	LastError       string      `json:"last_error,omitempty"`
}
