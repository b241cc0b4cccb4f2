// Package registry is the authoritative directory of agents. Liveness is
// leased: an agent is live while lease_until lies in the future, and a
// sweeper transitions overdue rows to UNAVAILABLE.
package registry

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is an agent's self-reported health.
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusDegraded, StatusUnavailable:
		return true
	}
	return false
}

// Topic roles an agent can declare.
const (
	RoleSubscriber = "subscriber"
	RolePublisher  = "publisher"
	RoleBoth       = "both"
)

// TopicBinding declares that an agent produces to or consumes from a topic.
type TopicBinding struct {
	Topic string `db:"topic" json:"topic"`
	Role  string `db:"role" json:"role"`
}

// Metadata is a free-form string map stored as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into metadata", src)
	}
}

// Registration is the caller-supplied description of an agent.
type Registration struct {
	AgentID      string
	Version      string
	Tenant       string
	Project      string
	Status       Status // defaults to STARTING
	Capabilities []string
	Topics       []TopicBinding
	Metadata     Metadata
	// LeaseDuration overrides the store's default when positive.
	LeaseDuration time.Duration
}

// Agent is a registry row with its capabilities and topic bindings.
type Agent struct {
	AgentID       string    `db:"agent_id"`
	Version       string    `db:"version"`
	Tenant        string    `db:"tenant"`
	Project       string    `db:"project"`
	Status        Status    `db:"status"`
	LeaseUntil    time.Time `db:"lease_until"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	Metadata      Metadata  `db:"metadata"`

	Capabilities []string       `db:"-"`
	Topics       []TopicBinding `db:"-"`
}

// Live reports whether the agent's lease is current at the given instant.
func (a Agent) Live(now time.Time) bool {
	return a.Status != StatusUnavailable && !a.LeaseUntil.Before(now)
}

// Lease is the liveness grant returned by Register and Heartbeat.
type Lease struct {
	AgentID string
	Until   time.Time
}

// Filters narrows a Discover call. Zero values mean "no constraint"; set
// filters are AND-combined. An unset Status excludes UNAVAILABLE agents and
// expired leases.
type Filters struct {
	Capability string
	Tenant     string
	Project    string
	Status     Status
	Limit      int
	Offset     int
}

// Page is one page of discovery results. TotalCount counts every match, not
// just the page.
type Page struct {
	Agents     []Agent
	TotalCount int
}

// Store is the registry contract consumed by the fabric and health tasks.
type Store interface {
	Register(ctx context.Context, reg Registration) (Lease, error)
	Heartbeat(ctx context.Context, agentID string, status Status, leaseDuration time.Duration) (Lease, error)
	Discover(ctx context.Context, f Filters) (Page, error)
	MarkExpiredAgents(ctx context.Context) (int64, error)
	Get(ctx context.Context, agentID string) (Agent, error)
	Deregister(ctx context.Context, agentID string) error
}
