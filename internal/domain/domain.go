// Package domain holds the shared types and collaborator interfaces of the
// real-time fan-out service. Token verification and server-load sampling are
// owned by external systems; this package only fixes their contracts.
package domain

import (
	"context"
	"time"
)

// ConnectionType is fixed when a socket is accepted and never changes.
type ConnectionType string

const (
	ConnectionTypeClient ConnectionType = "client"
	ConnectionTypeAdmin  ConnectionType = "admin"
)

// ConnectionInfo is a read-only projection of a live connection for
// administrative inspection. It never carries the socket handle.
type ConnectionInfo struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId,omitempty"`
	Type          ConnectionType `json:"type"`
	Authenticated bool           `json:"authenticated"`
	Subscriptions []string       `json:"subscriptions"`
	ConnectedAt   time.Time      `json:"connectedAt"`
}

// HubStats aggregates connection counters for the stats endpoint.
type HubStats struct {
	Total         int            `json:"total"`
	Authenticated int            `json:"authenticated"`
	Clients       int            `json:"clients"`
	Admins        int            `json:"admins"`
	Channels      map[string]int `json:"channels"`
}

// Identity is the result of a successful token verification.
type Identity struct {
	UserID string
	Admin  bool
}

// TokenVerifier validates a bearer token and resolves it to an identity.
// Verification happens before the hub is asked to authenticate a connection;
// the hub itself trusts its caller.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// ServerLoad is one sampled load figure for a VPN node.
type ServerLoad struct {
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	ActivePeers int     `json:"activePeers"`
}

// StatsSource supplies the monitoring adapter with current server-load
// figures. Implementations live outside this service.
type StatsSource interface {
	Sample(ctx context.Context) ([]ServerLoad, error)
}
