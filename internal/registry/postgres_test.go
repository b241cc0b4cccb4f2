package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/wesign/a2a-fabric/internal/clock"
	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
)

func newMockStore(t *testing.T, clk clock.Clock) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// "postgres" so placeholders rebind to $N like production.
	sdb := sqlx.NewDb(db, "postgres")
	store := NewPostgres(sdb, logging.Discard(), PostgresOptions{Clock: clk})
	return store, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegisterReplacesRelations(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	store, mock := newMockStore(t, clk)

	until := now.Add(DefaultLeaseDuration)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO agents`).
		WithArgs("agent-1", "1.2.0", "wesign", "cmo", "STARTING", until, now, []byte(`{"team":"legal"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM agent_capabilities`).
		WithArgs("agent-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO agent_capabilities`).
		WithArgs("agent-1", "review").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO agent_capabilities`).
		WithArgs("agent-1", "translate").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM agent_topics`).
		WithArgs("agent-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO agent_topics`).
		WithArgs("agent-1", "wesign.cmo.a2a.tasks.request", RoleSubscriber).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lease, err := store.Register(context.Background(), Registration{
		AgentID:      "agent-1",
		Version:      "1.2.0",
		Tenant:       "wesign",
		Project:      "cmo",
		Capabilities: []string{"review", "translate"},
		Topics:       []TopicBinding{{Topic: "wesign.cmo.a2a.tasks.request", Role: RoleSubscriber}},
		Metadata:     Metadata{"team": "legal"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !lease.Until.Equal(until) {
		t.Errorf("lease.Until = %v, want %v", lease.Until, until)
	}
	if !lease.Until.After(now) {
		t.Error("lease does not extend past now")
	}
	expectationsMet(t, mock)
}

func TestRegisterRequiresAgentID(t *testing.T) {
	store, mock := newMockStore(t, nil)
	_, err := store.Register(context.Background(), Registration{})
	if got := errcode.CodeOf(err); got != errcode.ValidationFailed {
		t.Errorf("code = %q, want %q", got, errcode.ValidationFailed)
	}
	expectationsMet(t, mock)
}

func TestHeartbeatNeverShrinksLease(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	store, mock := newMockStore(t, clk)

	// A previous long lease outlives this heartbeat's shorter one; the row
	// keeps the later expiry.
	existing := now.Add(5 * time.Minute)
	mock.ExpectQuery(`UPDATE agents\s+SET status = \$2, last_heartbeat = \$3, lease_until = GREATEST\(lease_until, \$4\)`).
		WithArgs("agent-1", "HEALTHY", now, now.Add(30*time.Second)).
		WillReturnRows(sqlmock.NewRows([]string{"lease_until"}).AddRow(existing))

	lease, err := store.Heartbeat(context.Background(), "agent-1", StatusHealthy, 30*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !lease.Until.Equal(existing) {
		t.Errorf("lease.Until = %v, want the later existing expiry %v", lease.Until, existing)
	}
	expectationsMet(t, mock)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, clock.NewFake(now))

	mock.ExpectQuery(`UPDATE agents`).
		WithArgs("ghost", "HEALTHY", now, now.Add(DefaultLeaseDuration)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Heartbeat(context.Background(), "ghost", StatusHealthy, 0)
	if got := errcode.CodeOf(err); got != errcode.AgentNotFound {
		t.Errorf("code = %q, want %q", got, errcode.AgentNotFound)
	}
	expectationsMet(t, mock)
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	store, mock := newMockStore(t, nil)
	_, err := store.Heartbeat(context.Background(), "agent-1", Status("SLEEPY"), 0)
	if got := errcode.CodeOf(err); got != errcode.ValidationFailed {
		t.Errorf("code = %q, want %q", got, errcode.ValidationFailed)
	}
	expectationsMet(t, mock)
}

func TestDiscoverCombinesFilters(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	store, mock := newMockStore(t, clk)

	leaseUntil := now.Add(time.Minute)
	// Default status filter plus tenant, project and capability, AND-combined.
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM agents a WHERE a\.status <> \$1 AND a\.lease_until >= \$2 AND a\.tenant = \$3 AND a\.project = \$4 AND EXISTS`).
		WithArgs("UNAVAILABLE", now, "wesign", "cmo", "translate").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT agent_id, version, tenant, project, status, lease_until, last_heartbeat, metadata\s+FROM agents a WHERE .+ ORDER BY agent_id LIMIT \$6 OFFSET \$7`).
		WithArgs("UNAVAILABLE", now, "wesign", "cmo", "translate", 1, 0).
		WillReturnRows(sqlmock.NewRows(
			[]string{"agent_id", "version", "tenant", "project", "status", "lease_until", "last_heartbeat", "metadata"}).
			AddRow("agent-1", "1.0", "wesign", "cmo", "HEALTHY", leaseUntil, now, []byte(`{"team":"legal"}`)))
	mock.ExpectQuery(`SELECT agent_id, capability FROM agent_capabilities WHERE agent_id IN`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "capability"}).
			AddRow("agent-1", "review").
			AddRow("agent-1", "translate"))
	mock.ExpectQuery(`SELECT agent_id, topic, role FROM agent_topics WHERE agent_id IN`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "topic", "role"}).
			AddRow("agent-1", "wesign.cmo.a2a.tasks.request", "subscriber"))

	page, err := store.Discover(context.Background(), Filters{
		Capability: "translate",
		Tenant:     "wesign",
		Project:    "cmo",
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if page.TotalCount != 7 {
		t.Errorf("TotalCount = %d, want 7", page.TotalCount)
	}
	if len(page.Agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(page.Agents))
	}
	a := page.Agents[0]
	if a.AgentID != "agent-1" || a.Status != StatusHealthy {
		t.Errorf("agent = %+v", a)
	}
	if len(a.Capabilities) != 2 || a.Capabilities[1] != "translate" {
		t.Errorf("capabilities = %v", a.Capabilities)
	}
	if len(a.Topics) != 1 || a.Topics[0].Role != RoleSubscriber {
		t.Errorf("topics = %v", a.Topics)
	}
	if a.Metadata["team"] != "legal" {
		t.Errorf("metadata = %v", a.Metadata)
	}
	if !a.Live(now) {
		t.Error("discovered agent should be live")
	}
	expectationsMet(t, mock)
}

func TestDiscoverExplicitUnavailableSkipsLeaseFilter(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, clock.NewFake(now))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM agents a WHERE a\.status = \$1$`).
		WithArgs("UNAVAILABLE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM agents a WHERE a\.status = \$1 ORDER BY agent_id`).
		WithArgs("UNAVAILABLE", 50, 0).
		WillReturnRows(sqlmock.NewRows(
			[]string{"agent_id", "version", "tenant", "project", "status", "lease_until", "last_heartbeat", "metadata"}))

	page, err := store.Discover(context.Background(), Filters{Status: StatusUnavailable})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(page.Agents) != 0 {
		t.Errorf("agents = %d, want 0", len(page.Agents))
	}
	expectationsMet(t, mock)
}

func TestMarkExpiredAgents(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, clock.NewFake(now))

	mock.ExpectExec(`UPDATE agents SET status = \$1\s+WHERE lease_until < \$2 AND status <> \$1`).
		WithArgs("UNAVAILABLE", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkExpiredAgents(context.Background())
	if err != nil {
		t.Fatalf("MarkExpiredAgents: %v", err)
	}
	if n != 3 {
		t.Errorf("reaped = %d, want 3", n)
	}
	expectationsMet(t, mock)
}

func TestDeregisterUnknownAgent(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, clock.NewFake(now))

	mock.ExpectExec(`UPDATE agents SET status = \$2, last_heartbeat = \$3 WHERE agent_id = \$1`).
		WithArgs("ghost", "UNAVAILABLE", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Deregister(context.Background(), "ghost")
	if got := errcode.CodeOf(err); got != errcode.AgentNotFound {
		t.Errorf("code = %q, want %q", got, errcode.AgentNotFound)
	}
	expectationsMet(t, mock)
}

func TestBackendErrorsSurfaceAsUnavailable(t *testing.T) {
	store, mock := newMockStore(t, nil)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)
	_, err := store.Register(context.Background(), Registration{AgentID: "agent-1"})
	if got := errcode.CodeOf(err); got != errcode.RegistryUnavailable {
		t.Errorf("code = %q, want %q", got, errcode.RegistryUnavailable)
	}
	expectationsMet(t, mock)
}
