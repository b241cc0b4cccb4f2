package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/metrics"
)

// DefaultLeaseDuration applies when neither the store nor the caller sets one.
const DefaultLeaseDuration = 60 * time.Second

const defaultDiscoverLimit = 50

// PostgresOptions configures a Postgres-backed store.
type PostgresOptions struct {
	// LeaseDuration is the default lease granted by Register and Heartbeat.
	LeaseDuration time.Duration
	Clock         clock.Clock
}

// Postgres implements Store on a PostgreSQL database.
type Postgres struct {
	db    *sqlx.DB
	log   *logging.Logger
	lease time.Duration
	clk   clock.Clock
}

// NewPostgres creates a store over an existing connection pool. The caller
// owns the pool's lifecycle.
func NewPostgres(db *sqlx.DB, log *logging.Logger, opts PostgresOptions) *Postgres {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Postgres{
		db:    db,
		log:   log.Component("registry"),
		lease: opts.LeaseDuration,
		clk:   opts.Clock,
	}
}

// Register upserts an agent and atomically replaces its capabilities and
// topic bindings. The returned lease always extends past now.
func (p *Postgres) Register(ctx context.Context, reg Registration) (Lease, error) {
	if reg.AgentID == "" {
		return Lease{}, errcode.New(errcode.ValidationFailed, "agent_id is required")
	}
	status := reg.Status
	if status == "" {
		status = StatusStarting
	}
	if !status.Known() {
		return Lease{}, errcode.Newf(errcode.ValidationFailed, "unknown status %q", status)
	}
	lease := reg.LeaseDuration
	if lease <= 0 {
		lease = p.lease
	}
	now := p.clk.Now().UTC()
	until := now.Add(lease)

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (agent_id, version, tenant, project, status, lease_until, last_heartbeat, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id) DO UPDATE SET
			version = EXCLUDED.version,
			tenant = EXCLUDED.tenant,
			project = EXCLUDED.project,
			status = EXCLUDED.status,
			lease_until = EXCLUDED.lease_until,
			last_heartbeat = EXCLUDED.last_heartbeat,
			metadata = EXCLUDED.metadata`,
		reg.AgentID, reg.Version, reg.Tenant, reg.Project, status, until, now, reg.Metadata)
	if err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_capabilities WHERE agent_id = $1`, reg.AgentID); err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	for _, capability := range reg.Capabilities {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capabilities (agent_id, capability) VALUES ($1, $2)`,
			reg.AgentID, capability)
		if err != nil {
			return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_topics WHERE agent_id = $1`, reg.AgentID); err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	for _, tb := range reg.Topics {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_topics (agent_id, topic, role) VALUES ($1, $2, $3)`,
			reg.AgentID, tb.Topic, tb.Role)
		if err != nil {
			return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	p.log.Info("agent registered", "agent_id", reg.AgentID, "status", status, "lease_until", until)
	return Lease{AgentID: reg.AgentID, Until: until}, nil
}

// Heartbeat refreshes an agent's status and lease. The lease never moves
// backwards: a heartbeat with a shorter duration keeps the later expiry.
func (p *Postgres) Heartbeat(ctx context.Context, agentID string, status Status, leaseDuration time.Duration) (Lease, error) {
	if !status.Known() {
		return Lease{}, errcode.Newf(errcode.ValidationFailed, "unknown status %q", status)
	}
	if leaseDuration <= 0 {
		leaseDuration = p.lease
	}
	now := p.clk.Now().UTC()

	var until time.Time
	err := p.db.QueryRowxContext(ctx, `
		UPDATE agents
		SET status = $2, last_heartbeat = $3, lease_until = GREATEST(lease_until, $4)
		WHERE agent_id = $1
		RETURNING lease_until`,
		agentID, status, now, now.Add(leaseDuration)).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, errcode.Newf(errcode.AgentNotFound, "agent %q is not registered", agentID)
	}
	if err != nil {
		return Lease{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	return Lease{AgentID: agentID, Until: until}, nil
}

// Discover lists agents matching the filters, live ones by default.
func (p *Postgres) Discover(ctx context.Context, f Filters) (Page, error) {
	if f.Status != "" && !f.Status.Known() {
		return Page{}, errcode.Newf(errcode.ValidationFailed, "unknown status %q", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultDiscoverLimit
	}

	where, args := p.discoverWhere(f)

	var total int
	err := p.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM agents a`+where, args...).Scan(&total)
	if err != nil {
		return Page{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}

	query := fmt.Sprintf(
		`SELECT agent_id, version, tenant, project, status, lease_until, last_heartbeat, metadata
		 FROM agents a%s ORDER BY agent_id LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	var agents []Agent
	if err := p.db.SelectContext(ctx, &agents, query, args...); err != nil {
		return Page{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	if err := p.attachRelations(ctx, agents); err != nil {
		return Page{}, err
	}
	return Page{Agents: agents, TotalCount: total}, nil
}

// discoverWhere builds the AND-combined filter clause shared by the count and
// page queries.
func (p *Postgres) discoverWhere(f Filters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Status != "" {
		conds = append(conds, "a.status = "+arg(f.Status))
	} else {
		conds = append(conds, "a.status <> "+arg(StatusUnavailable))
	}
	// Expired leases only surface when the caller explicitly asks for
	// UNAVAILABLE agents.
	if f.Status != StatusUnavailable {
		conds = append(conds, "a.lease_until >= "+arg(p.clk.Now().UTC()))
	}
	if f.Tenant != "" {
		conds = append(conds, "a.tenant = "+arg(f.Tenant))
	}
	if f.Project != "" {
		conds = append(conds, "a.project = "+arg(f.Project))
	}
	if f.Capability != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM agent_capabilities c WHERE c.agent_id = a.agent_id AND c.capability = "+arg(f.Capability)+")")
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// attachRelations loads capabilities and topic bindings for a page of agents.
func (p *Postgres) attachRelations(ctx context.Context, agents []Agent) error {
	if len(agents) == 0 {
		return nil
	}
	ids := make([]string, len(agents))
	byID := make(map[string]*Agent, len(agents))
	for i := range agents {
		ids[i] = agents[i].AgentID
		byID[agents[i].AgentID] = &agents[i]
	}

	query, args, err := sqlx.In(`SELECT agent_id, capability FROM agent_capabilities WHERE agent_id IN (?) ORDER BY agent_id, capability`, ids)
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	rows, err := p.db.QueryxContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, capability string
		if err := rows.Scan(&id, &capability); err != nil {
			return errcode.Wrap(errcode.RegistryUnavailable, err)
		}
		byID[id].Capabilities = append(byID[id].Capabilities, capability)
	}
	if err := rows.Err(); err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}

	query, args, err = sqlx.In(`SELECT agent_id, topic, role FROM agent_topics WHERE agent_id IN (?) ORDER BY agent_id, topic`, ids)
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	topicRows, err := p.db.QueryxContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	defer topicRows.Close()
	for topicRows.Next() {
		var id string
		var tb TopicBinding
		if err := topicRows.Scan(&id, &tb.Topic, &tb.Role); err != nil {
			return errcode.Wrap(errcode.RegistryUnavailable, err)
		}
		byID[id].Topics = append(byID[id].Topics, tb)
	}
	if err := topicRows.Err(); err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	return nil
}

// MarkExpiredAgents transitions every overdue row to UNAVAILABLE in one
// statement and returns how many changed. Safe to run concurrently from
// multiple replicas.
func (p *Postgres) MarkExpiredAgents(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $1
		WHERE lease_until < $2 AND status <> $1`,
		StatusUnavailable, p.clk.Now().UTC())
	if err != nil {
		return 0, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	if n > 0 {
		metrics.ExpiredLeases.Add(float64(n))
		p.log.Info("expired leases reaped", "count", n)
	}
	return n, nil
}

// Get returns one agent with its capabilities and topic bindings.
func (p *Postgres) Get(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := p.db.GetContext(ctx, &a, `
		SELECT agent_id, version, tenant, project, status, lease_until, last_heartbeat, metadata
		FROM agents WHERE agent_id = $1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, errcode.Newf(errcode.AgentNotFound, "agent %q is not registered", agentID)
	}
	if err != nil {
		return Agent{}, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	agents := []Agent{a}
	if err := p.attachRelations(ctx, agents); err != nil {
		return Agent{}, err
	}
	return agents[0], nil
}

// Deregister retires an agent by forcing its status to UNAVAILABLE. The row
// stays for audit; discovery stops returning it.
func (p *Postgres) Deregister(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, last_heartbeat = $3 WHERE agent_id = $1`,
		agentID, StatusUnavailable, p.clk.Now().UTC())
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	if n == 0 {
		return errcode.Newf(errcode.AgentNotFound, "agent %q is not registered", agentID)
	}
	p.log.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// CountLive returns the number of agents whose lease is current and whose
// status is not UNAVAILABLE. Feeds the registered-agents gauge.
func (p *Postgres) CountLive(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM agents WHERE status <> $1 AND lease_until >= $2`,
		StatusUnavailable, p.clk.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, errcode.Wrap(errcode.RegistryUnavailable, err)
	}
	metrics.RegisteredAgents.Set(float64(n))
	return n, nil
}
