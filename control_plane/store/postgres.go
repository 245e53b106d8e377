package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// schema is applied on startup. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	endpoint      TEXT NOT NULL DEFAULT '',
	capabilities  TEXT[] NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	hostname        TEXT NOT NULL DEFAULT '',
	ip_address      TEXT NOT NULL DEFAULT '',
	os_type         TEXT NOT NULL DEFAULT '',
	agent_version   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	config          JSONB,
	organization_id TEXT NOT NULL DEFAULT '',
	last_seen       TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_metrics (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	metric_data JSONB,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_metrics_agent_ts ON agent_metrics (agent_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS agent_alerts (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	alert_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	details     JSONB,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_alerts_agent ON agent_alerts (agent_id, created_at);

CREATE TABLE IF NOT EXISTS agent_commands (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	command_type TEXT NOT NULL,
	command_data JSONB,
	status       TEXT NOT NULL,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	executed_at  TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS agent_commands_agent ON agent_commands (agent_id, created_at);
`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and makes sure the tables exist.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Printf("[STORE] Connected to PostgreSQL (%s)", config.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Product Operations ---

func (s *PostgresStore) UpsertProduct(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products (id, name, category, endpoint, capabilities, status, last_seen, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			endpoint = EXCLUDED.endpoint,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen
	`
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Name, p.Category, p.Endpoint, caps, p.Status, p.LastSeen, p.RegisteredAt,
	)
	return err
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]*Product, error) {
	query := `
		SELECT id, name, category, endpoint, capabilities, status, last_seen, registered_at
		FROM products ORDER BY registered_at, id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]*Product, 0)
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Endpoint, &p.Capabilities, &p.Status, &p.LastSeen, &p.RegisteredAt); err != nil {
			return nil, err
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

// --- Agent Operations ---

const agentColumns = `id, hostname, ip_address, os_type, agent_version, status, config, organization_id, last_seen, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Hostname, &a.IPAddress, &a.OSType, &a.AgentVersion, &a.Status,
		&a.Config, &a.OrganizationID, &a.LastSeen, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			os_type = EXCLUDED.os_type,
			agent_version = EXCLUDED.agent_version,
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			organization_id = EXCLUDED.organization_id,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.Hostname, a.IPAddress, a.OSType, a.AgentVersion, a.Status,
		a.Config, a.OrganizationID, a.LastSeen, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `
		SELECT ` + agentColumns + ` FROM agents
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR organization_id = $2)
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.OrganizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) TouchAgent(ctx context.Context, agentID string, t time.Time, status AgentStatus) error {
	query := `
		UPDATE agents SET last_seen = $2, updated_at = $2, status = COALESCE(NULLIF($3, ''), status)
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, agentID, t, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("agent", agentID)
	}
	return nil
}

// --- Metric Operations ---

func (s *PostgresStore) AppendMetric(ctx context.Context, m *AgentMetric) error {
	query := `
		INSERT INTO agent_metrics (id, agent_id, metric_type, metric_data, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, m.ID, m.AgentID, m.MetricType, m.MetricData, m.Timestamp)
	return err
}

func (s *PostgresStore) ListMetrics(ctx context.Context, agentID string, metricType MetricType, limit int) ([]*AgentMetric, error) {
	query := `
		SELECT id, agent_id, metric_type, metric_data, timestamp FROM agent_metrics
		WHERE agent_id = $1 AND ($2 = '' OR metric_type = $2)
		ORDER BY timestamp DESC
		LIMIT NULLIF($3, 0)
	`
	rows, err := s.pool.Query(ctx, query, agentID, string(metricType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]*AgentMetric, 0)
	for rows.Next() {
		var m AgentMetric
		if err := rows.Scan(&m.ID, &m.AgentID, &m.MetricType, &m.MetricData, &m.Timestamp); err != nil {
			return nil, err
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// --- Alert Operations ---

const alertColumns = `id, agent_id, alert_type, severity, message, details, resolved, resolved_at, created_at`

func scanAlert(row pgx.Row) (*AgentAlert, error) {
	var a AgentAlert
	err := row.Scan(&a.ID, &a.AgentID, &a.AlertType, &a.Severity, &a.Message, &a.Details,
		&a.Resolved, &a.ResolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *AgentAlert) error {
	query := `INSERT INTO agent_alerts (` + alertColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		alert.ID, alert.AgentID, alert.AlertType, alert.Severity, alert.Message, alert.Details,
		alert.Resolved, alert.ResolvedAt, alert.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAlerts(ctx context.Context, agentID string, resolved *bool) ([]*AgentAlert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM agent_alerts
		WHERE agent_id = $1 AND ($2::boolean IS NULL OR resolved = $2)
		ORDER BY created_at, id
	`
	rows, err := s.pool.Query(ctx, query, agentID, resolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]*AgentAlert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, agentID string, alertID string, at time.Time) (*AgentAlert, error) {
	query := `
		UPDATE agent_alerts SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $3)
		WHERE id = $1 AND agent_id = $2
		RETURNING ` + alertColumns
	a, err := scanAlert(s.pool.QueryRow(ctx, query, alertID, agentID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("alert", alertID)
	}
	return a, err
}

// --- Command Operations ---

const commandColumns = `id, agent_id, command_type, command_data, status, result, error, created_at, executed_at, completed_at`

func scanCommand(row pgx.Row) (*AgentCommand, error) {
	var c AgentCommand
	err := row.Scan(&c.ID, &c.AgentID, &c.CommandType, &c.CommandData, &c.Status, &c.Result,
		&c.Error, &c.CreatedAt, &c.ExecutedAt, &c.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *AgentCommand) error {
	query := `INSERT INTO agent_commands (` + commandColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		cmd.ID, cmd.AgentID, cmd.CommandType, cmd.CommandData, cmd.Status, cmd.Result,
		cmd.Error, cmd.CreatedAt, cmd.ExecutedAt, cmd.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*AgentCommand, error) {
	c, err := scanCommand(s.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM agent_commands WHERE id = $1`, commandID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListCommands(ctx context.Context, agentID string, status CommandStatus) ([]*AgentCommand, error) {
	query := `
		SELECT ` + commandColumns + ` FROM agent_commands
		WHERE agent_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id
	`
	rows, err := s.pool.Query(ctx, query, agentID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commands := make([]*AgentCommand, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// TransitionCommand locks the row for the duration of the state check.
func (s *PostgresStore) TransitionCommand(ctx context.Context, commandID string, u CommandUpdate) (*AgentCommand, error) {
	var updated *AgentCommand
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cmd, err := scanCommand(tx.QueryRow(ctx,
			`SELECT `+commandColumns+` FROM agent_commands WHERE id = $1 FOR UPDATE`, commandID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.NotFound("command", commandID)
		}
		if err != nil {
			return err
		}

		if err := cmd.Apply(u); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE agent_commands
			SET status = $2, result = $3, error = $4, executed_at = $5, completed_at = $6
			WHERE id = $1
		`, cmd.ID, cmd.Status, cmd.Result, cmd.Error, cmd.ExecutedAt, cmd.CompletedAt)
		if err != nil {
			return err
		}
		updated = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
