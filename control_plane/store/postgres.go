package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
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
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS nodes (
	id BIGSERIAL PRIMARY KEY,
	agent_id TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	token TEXT UNIQUE NOT NULL,
	addr TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'offline',
	last_seen TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS instances (
	id BIGSERIAL PRIMARY KEY,
	node_id BIGINT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	cpu_cores INTEGER NOT NULL DEFAULT 1,
	memory_mb BIGINT NOT NULL DEFAULT 0,
	disk_gb BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	status_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_instances_node_status ON instances (node_id, status);
CREATE TABLE IF NOT EXISTS forward_rules (
	id TEXT PRIMARY KEY,
	node_id BIGINT NOT NULL,
	instance_id BIGINT NOT NULL,
	protocol TEXT NOT NULL,
	external_port INTEGER NOT NULL,
	internal_port INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_forward_rules_node ON forward_rules (node_id);
CREATE TABLE IF NOT EXISTS telemetry_records (
	id BIGSERIAL PRIMARY KEY,
	node_id BIGINT NOT NULL,
	agent_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	uptime_seconds BIGINT NOT NULL DEFAULT 0,
	cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_used BIGINT NOT NULL DEFAULT 0,
	memory_total BIGINT NOT NULL DEFAULT 0,
	net_rx_bytes BIGINT NOT NULL DEFAULT 0,
	net_tx_bytes BIGINT NOT NULL DEFAULT 0,
	disks JSONB NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_telemetry_agent_ts ON telemetry_records (agent_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_records (timestamp);
CREATE TABLE IF NOT EXISTS container_usage (
	id BIGSERIAL PRIMARY KEY,
	record_id BIGINT NOT NULL REFERENCES telemetry_records(id) ON DELETE CASCADE,
	instance_id BIGINT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_used BIGINT NOT NULL DEFAULT 0,
	memory_limit BIGINT NOT NULL DEFAULT 0,
	net_rx_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_tx_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	net_rx_bytes BIGINT NOT NULL DEFAULT 0,
	net_tx_bytes BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_container_usage_record ON container_usage (record_id);
`)
	return err
}

// --- Node Operations ---

func (s *PostgresStore) GetNode(ctx context.Context, id int64) (*Node, error) {
	query := `
		SELECT id, agent_id, name, token, addr, version, status, last_seen, created_at
		FROM nodes WHERE id = $1
	`
	var n Node
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.AgentID, &n.Name, &n.Token, &n.Addr, &n.Version, &n.Status,
		&n.LastSeen, &n.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Return nil if not found, consistent with interface expectation
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) GetNodeByToken(ctx context.Context, token string) (*Node, error) {
	query := `
		SELECT id, agent_id, name, token, addr, version, status, last_seen, created_at
		FROM nodes WHERE token = $1
	`
	var n Node
	err := s.pool.QueryRow(ctx, query, token).Scan(
		&n.ID, &n.AgentID, &n.Name, &n.Token, &n.Addr, &n.Version, &n.Status,
		&n.LastSeen, &n.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]*Node, error) {
	query := `
		SELECT id, agent_id, name, token, addr, version, status, last_seen, created_at
		FROM nodes ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(
			&n.ID, &n.AgentID, &n.Name, &n.Token, &n.Addr, &n.Version, &n.Status,
			&n.LastSeen, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) UpsertNode(ctx context.Context, node *Node) error {
	if node.ID == 0 {
		query := `
			INSERT INTO nodes (agent_id, name, token, addr, version, status, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (agent_id) DO UPDATE SET
				name = EXCLUDED.name,
				token = EXCLUDED.token,
				addr = EXCLUDED.addr,
				version = EXCLUDED.version
			RETURNING id, created_at
		`
		return s.pool.QueryRow(ctx, query,
			node.AgentID, node.Name, node.Token, node.Addr, node.Version,
			node.Status, node.LastSeen,
		).Scan(&node.ID, &node.CreatedAt)
	}
	query := `
		INSERT INTO nodes (id, agent_id, name, token, addr, version, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			name = EXCLUDED.name,
			token = EXCLUDED.token,
			addr = EXCLUDED.addr,
			version = EXCLUDED.version
	`
	_, err := s.pool.Exec(ctx, query,
		node.ID, node.AgentID, node.Name, node.Token, node.Addr, node.Version,
		node.Status, node.LastSeen,
	)
	return err
}

func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error {
	query := `UPDATE nodes SET status = $1, last_seen = $2 WHERE id = $3`
	tag, err := s.pool.Exec(ctx, query, status, lastSeen, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("node not found")
	}
	return nil
}

// --- Instance Operations ---

func (s *PostgresStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	query := `
		SELECT id, node_id, name, image, cpu_cores, memory_mb, disk_gb, status, status_reason, created_at, updated_at
		FROM instances WHERE id = $1
	`
	var inst Instance
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&inst.ID, &inst.NodeID, &inst.Name, &inst.Image, &inst.CPUCores,
		&inst.MemoryMB, &inst.DiskGB, &inst.Status, &inst.StatusReason,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) ListInstancesByNode(ctx context.Context, nodeID int64) ([]*Instance, error) {
	query := `
		SELECT id, node_id, name, image, cpu_cores, memory_mb, disk_gb, status, status_reason, created_at, updated_at
		FROM instances WHERE node_id = $1 ORDER BY id
	`
	return s.scanInstances(ctx, query, nodeID)
}

func (s *PostgresStore) ListInstancesByNodeAndStatus(ctx context.Context, nodeID int64, statuses ...string) ([]*Instance, error) {
	query := `
		SELECT id, node_id, name, image, cpu_cores, memory_mb, disk_gb, status, status_reason, created_at, updated_at
		FROM instances WHERE node_id = $1 AND status = ANY($2) ORDER BY id
	`
	return s.scanInstances(ctx, query, nodeID, statuses)
}

func (s *PostgresStore) scanInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(
			&inst.ID, &inst.NodeID, &inst.Name, &inst.Image, &inst.CPUCores,
			&inst.MemoryMB, &inst.DiskGB, &inst.Status, &inst.StatusReason,
			&inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO instances (node_id, name, image, cpu_cores, memory_mb, disk_gb, status, status_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return s.pool.QueryRow(ctx, query,
		inst.NodeID, inst.Name, inst.Image, inst.CPUCores, inst.MemoryMB,
		inst.DiskGB, inst.Status, inst.StatusReason,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, id int64, status string, reason string) error {
	query := `UPDATE instances SET status = $1, status_reason = $2, updated_at = NOW() WHERE id = $3`
	tag, err := s.pool.Exec(ctx, query, status, reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("instance not found")
	}
	return nil
}

// --- Forward Rule Operations ---

func (s *PostgresStore) CreateForwardRule(ctx context.Context, rule *ForwardRule) error {
	query := `
		INSERT INTO forward_rules (id, node_id, instance_id, protocol, external_port, internal_port)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return s.pool.QueryRow(ctx, query,
		rule.ID, rule.NodeID, rule.InstanceID, rule.Protocol,
		rule.ExternalPort, rule.InternalPort,
	).Scan(&rule.CreatedAt)
}

func (s *PostgresStore) GetForwardRule(ctx context.Context, id string) (*ForwardRule, error) {
	query := `
		SELECT id, node_id, instance_id, protocol, external_port, internal_port, created_at
		FROM forward_rules WHERE id = $1
	`
	var r ForwardRule
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.NodeID, &r.InstanceID, &r.Protocol,
		&r.ExternalPort, &r.InternalPort, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListForwardRulesByInstance(ctx context.Context, instanceID int64) ([]*ForwardRule, error) {
	query := `
		SELECT id, node_id, instance_id, protocol, external_port, internal_port, created_at
		FROM forward_rules WHERE instance_id = $1 ORDER BY created_at
	`
	return s.scanForwardRules(ctx, query, instanceID)
}

func (s *PostgresStore) ListForwardRulesByNode(ctx context.Context, nodeID int64) ([]*ForwardRule, error) {
	query := `
		SELECT id, node_id, instance_id, protocol, external_port, internal_port, created_at
		FROM forward_rules WHERE node_id = $1 ORDER BY created_at
	`
	return s.scanForwardRules(ctx, query, nodeID)
}

func (s *PostgresStore) scanForwardRules(ctx context.Context, query string, args ...any) ([]*ForwardRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*ForwardRule
	for rows.Next() {
		var r ForwardRule
		if err := rows.Scan(
			&r.ID, &r.NodeID, &r.InstanceID, &r.Protocol,
			&r.ExternalPort, &r.InternalPort, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) DeleteForwardRule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM forward_rules WHERE id = $1`, id)
	return err
}

// --- Telemetry Operations ---

func (s *PostgresStore) SaveTelemetryRecord(ctx context.Context, rec *TelemetryRecord, usage []*ContainerUsage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO telemetry_records (node_id, agent_id, timestamp, uptime_seconds, cpu_percent, memory_used, memory_total, net_rx_bytes, net_tx_bytes, disks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, query,
		rec.NodeID, rec.AgentID, rec.Timestamp, rec.UptimeSeconds, rec.CPUPercent,
		rec.MemoryUsed, rec.MemoryTotal, rec.NetRxBytes, rec.NetTxBytes, rec.Disks,
	).Scan(&rec.ID); err != nil {
		return err
	}

	usageQuery := `
		INSERT INTO container_usage (record_id, instance_id, name, state, cpu_percent, memory_used, memory_limit, net_rx_rate, net_tx_rate, net_rx_bytes, net_tx_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, u := range usage {
		u.RecordID = rec.ID
		if _, err := tx.Exec(ctx, usageQuery,
			u.RecordID, u.InstanceID, u.Name, u.State, u.CPUPercent,
			u.MemoryUsed, u.MemoryLimit, u.NetRxRate, u.NetTxRate,
			u.NetRxBytes, u.NetTxBytes,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTelemetryRecords(ctx context.Context, agentID string, since time.Time, limit int) ([]*TelemetryRecord, error) {
	query := `
		SELECT id, node_id, agent_id, timestamp, uptime_seconds, cpu_percent, memory_used, memory_total, net_rx_bytes, net_tx_bytes, disks
		FROM telemetry_records WHERE agent_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, agentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TelemetryRecord
	for rows.Next() {
		var rec TelemetryRecord
		if err := rows.Scan(
			&rec.ID, &rec.NodeID, &rec.AgentID, &rec.Timestamp, &rec.UptimeSeconds,
			&rec.CPUPercent, &rec.MemoryUsed, &rec.MemoryTotal, &rec.NetRxBytes,
			&rec.NetTxBytes, &rec.Disks,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PurgeTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM telemetry_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
