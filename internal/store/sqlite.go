package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			family TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			provider TEXT NOT NULL,
			source TEXT NOT NULL,
			context_window INTEGER NOT NULL DEFAULT 4096,
			max_output INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT NOT NULL DEFAULT '[]',
			cost_per_mtok_in REAL NOT NULL DEFAULT 0,
			cost_per_mtok_out REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'free',
			rpm_limit INTEGER NOT NULL DEFAULT 0,
			tpm_limit INTEGER NOT NULL DEFAULT 0,
			daily_token_limit INTEGER NOT NULL DEFAULT 0,
			monthly_cost_limit_usd REAL NOT NULL DEFAULT 0,
			minute_requests INTEGER NOT NULL DEFAULT 0,
			minute_tokens INTEGER NOT NULL DEFAULT 0,
			minute_window_start TEXT NOT NULL DEFAULT '',
			day_tokens INTEGER NOT NULL DEFAULT 0,
			day_window_start TEXT NOT NULL DEFAULT '',
			month_cost_usd REAL NOT NULL DEFAULT 0,
			month_window_start TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_users (
			tenant_id TEXT NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT '["infer"]',
			ip_allowlist TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			rotation_days INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			variants TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_results (
			experiment_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			sum_latency_ms REAL NOT NULL DEFAULT 0,
			sum_cost_usd REAL NOT NULL DEFAULT 0,
			sum_tokens INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (experiment_id, variant)
		)`,
		`CREATE TABLE IF NOT EXISTS slas (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			metric TEXT NOT NULL,
			operator TEXT NOT NULL,
			threshold REAL NOT NULL,
			window_secs INTEGER NOT NULL DEFAULT 300,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sla_breaches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sla_id TEXT NOT NULL,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			severity TEXT NOT NULL,
			started_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_breaches_sla ON sla_breaches(sla_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS metric_points (
			timestamp TEXT NOT NULL,
			name TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metric_points ON metric_points(name, model_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cached INTEGER NOT NULL DEFAULT 0,
			fallback_depth INTEGER NOT NULL DEFAULT 0,
			error_class TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model_id)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Models

const modelCols = `id, family, format, provider, source, context_window, max_output, capabilities, cost_per_mtok_in, cost_per_mtok_out, metadata, created_at`

func scanModel(sc interface{ Scan(...any) error }) (ModelRecord, error) {
	var m ModelRecord
	var createdAt string
	err := sc.Scan(&m.ID, &m.Family, &m.Format, &m.Provider, &m.Source, &m.ContextWindow,
		&m.MaxOutput, &m.Capabilities, &m.CostPerMTokIn, &m.CostPerMTokOut, &m.Metadata, &createdAt)
	if err != nil {
		return m, err
	}
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelCols+` FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*ModelRecord, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, `SELECT `+modelCols+` FROM models WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m ModelRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (`+modelCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   family=excluded.family,
		   format=excluded.format,
		   provider=excluded.provider,
		   source=excluded.source,
		   context_window=excluded.context_window,
		   max_output=excluded.max_output,
		   capabilities=excluded.capabilities,
		   cost_per_mtok_in=excluded.cost_per_mtok_in,
		   cost_per_mtok_out=excluded.cost_per_mtok_out,
		   metadata=excluded.metadata`,
		m.ID, m.Family, m.Format, m.Provider, m.Source, m.ContextWindow, m.MaxOutput,
		m.Capabilities, m.CostPerMTokIn, m.CostPerMTokOut, m.Metadata, fmtTime(m.CreatedAt))
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

// Tenants

const tenantCols = `id, name, tier, rpm_limit, tpm_limit, daily_token_limit, monthly_cost_limit_usd,
	minute_requests, minute_tokens, minute_window_start, day_tokens, day_window_start,
	month_cost_usd, month_window_start, created_at`

func scanTenant(sc interface{ Scan(...any) error }) (TenantRecord, error) {
	var t TenantRecord
	var minuteWS, dayWS, monthWS, createdAt string
	err := sc.Scan(&t.ID, &t.Name, &t.Tier, &t.RPMLimit, &t.TPMLimit, &t.DailyTokenLimit,
		&t.MonthlyCostLimitUSD, &t.MinuteRequests, &t.MinuteTokens, &minuteWS,
		&t.DayTokens, &dayWS, &t.MonthCostUSD, &monthWS, &createdAt)
	if err != nil {
		return t, err
	}
	t.MinuteWindowStart = parseTime(minuteWS)
	t.DayWindowStart = parseTime(dayWS)
	t.MonthWindowStart = parseTime(monthWS)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []TenantRecord
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*TenantRecord, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t TenantRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (`+tenantCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   tier=excluded.tier,
		   rpm_limit=excluded.rpm_limit,
		   tpm_limit=excluded.tpm_limit,
		   daily_token_limit=excluded.daily_token_limit,
		   monthly_cost_limit_usd=excluded.monthly_cost_limit_usd,
		   minute_requests=excluded.minute_requests,
		   minute_tokens=excluded.minute_tokens,
		   minute_window_start=excluded.minute_window_start,
		   day_tokens=excluded.day_tokens,
		   day_window_start=excluded.day_window_start,
		   month_cost_usd=excluded.month_cost_usd,
		   month_window_start=excluded.month_window_start`,
		t.ID, t.Name, t.Tier, t.RPMLimit, t.TPMLimit, t.DailyTokenLimit, t.MonthlyCostLimitUSD,
		t.MinuteRequests, t.MinuteTokens, fmtTime(t.MinuteWindowStart),
		t.DayTokens, fmtTime(t.DayWindowStart),
		t.MonthCostUSD, fmtTime(t.MonthWindowStart), fmtTime(t.CreatedAt))
	return err
}

func (s *SQLiteStore) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) AddTenantUser(ctx context.Context, u TenantUserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_users (tenant_id, email, role, created_at) VALUES (?, ?, ?, ?)`,
		u.TenantID, u.Email, u.Role, fmtTime(u.CreatedAt))
	return err
}

func (s *SQLiteStore) ListTenantUsers(ctx context.Context, tenantID string) ([]TenantUserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, email, role, created_at FROM tenant_users WHERE tenant_id = ? ORDER BY email`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []TenantUserRecord
	for rows.Next() {
		var u TenantUserRecord
		var createdAt string
		if err := rows.Scan(&u.TenantID, &u.Email, &u.Role, &createdAt); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

// API Keys

const apiKeyCols = `id, tenant_id, key_hash, key_prefix, name, permissions, ip_allowlist, created_at, last_used_at, expires_at, rotation_days, enabled`

func scanAPIKey(sc interface{ Scan(...any) error }) (APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabledInt int
	err := sc.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Permissions,
		&k.IPAllowlist, &createdAt, &lastUsed, &expires, &k.RotationDays, &enabledInt)
	if err != nil {
		return k, err
	}
	k.CreatedAt = parseTime(createdAt)
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t := parseTime(expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return k, nil
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TenantID, key.KeyHash, key.KeyPrefix, key.Name, key.Permissions,
		key.IPAllowlist, fmtTime(key.CreatedAt), optTime(key.LastUsedAt), optTime(key.ExpiresAt),
		key.RotationDays, enabledInt)
	return err
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_prefix = ? AND enabled = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	enabledInt := 0
	if key.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET tenant_id=?, key_hash=?, key_prefix=?, name=?, permissions=?, ip_allowlist=?,
		 last_used_at=?, expires_at=?, rotation_days=?, enabled=? WHERE id=?`,
		key.TenantID, key.KeyHash, key.KeyPrefix, key.Name, key.Permissions, key.IPAllowlist,
		optTime(key.LastUsedAt), optTime(key.ExpiresAt), key.RotationDays, enabledInt, key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// Experiments

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]ExperimentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, variants, created_at FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var exps []ExperimentRecord
	for rows.Next() {
		var e ExperimentRecord
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Name, &e.Status, &e.Variants, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		exps = append(exps, e)
	}
	return exps, rows.Err()
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*ExperimentRecord, error) {
	var e ExperimentRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, variants, created_at FROM experiments WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Status, &e.Variants, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

func (s *SQLiteStore) UpsertExperiment(ctx context.Context, e ExperimentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, status, variants, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   status=excluded.status,
		   variants=excluded.variants`,
		e.ID, e.Name, e.Status, e.Variants, fmtTime(e.CreatedAt))
	return err
}

func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM experiment_results WHERE experiment_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) RecordExperimentResult(ctx context.Context, r ExperimentResultRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_results (experiment_id, variant, requests, errors, sum_latency_ms, sum_cost_usd, sum_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id, variant) DO UPDATE SET
		   requests = requests + excluded.requests,
		   errors = errors + excluded.errors,
		   sum_latency_ms = sum_latency_ms + excluded.sum_latency_ms,
		   sum_cost_usd = sum_cost_usd + excluded.sum_cost_usd,
		   sum_tokens = sum_tokens + excluded.sum_tokens`,
		r.ExperimentID, r.Variant, r.Requests, r.Errors, r.SumLatencyMs, r.SumCostUSD, r.SumTokens)
	return err
}

func (s *SQLiteStore) ListExperimentResults(ctx context.Context, experimentID string) ([]ExperimentResultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT experiment_id, variant, requests, errors, sum_latency_ms, sum_cost_usd, sum_tokens
		 FROM experiment_results WHERE experiment_id = ? ORDER BY variant`, experimentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []ExperimentResultRecord
	for rows.Next() {
		var r ExperimentResultRecord
		if err := rows.Scan(&r.ExperimentID, &r.Variant, &r.Requests, &r.Errors,
			&r.SumLatencyMs, &r.SumCostUSD, &r.SumTokens); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SLAs

func (s *SQLiteStore) ListSLAs(ctx context.Context) ([]SLARecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, metric, operator, threshold, window_secs, enabled, created_at FROM slas ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var slas []SLARecord
	for rows.Next() {
		var r SLARecord
		var createdAt string
		var enabledInt int
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Metric, &r.Operator, &r.Threshold,
			&r.WindowSecs, &enabledInt, &createdAt); err != nil {
			return nil, err
		}
		r.Enabled = enabledInt != 0
		r.CreatedAt = parseTime(createdAt)
		slas = append(slas, r)
	}
	return slas, rows.Err()
}

func (s *SQLiteStore) UpsertSLA(ctx context.Context, r SLARecord) error {
	enabledInt := 0
	if r.Enabled {
		enabledInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slas (id, tenant_id, metric, operator, threshold, window_secs, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id=excluded.tenant_id,
		   metric=excluded.metric,
		   operator=excluded.operator,
		   threshold=excluded.threshold,
		   window_secs=excluded.window_secs,
		   enabled=excluded.enabled`,
		r.ID, r.TenantID, r.Metric, r.Operator, r.Threshold, r.WindowSecs, enabledInt, fmtTime(r.CreatedAt))
	return err
}

func (s *SQLiteStore) DeleteSLA(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM slas WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) LogBreach(ctx context.Context, b BreachRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sla_breaches (sla_id, metric, value, threshold, severity, started_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.SLAID, b.Metric, b.Value, b.Threshold, b.Severity, fmtTime(b.StartedAt), optTime(b.ResolvedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ResolveBreach(ctx context.Context, id int64, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sla_breaches SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		fmtTime(resolvedAt), id)
	return err
}

func (s *SQLiteStore) ListBreaches(ctx context.Context, slaID string, limit int) ([]BreachRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sla_id, metric, value, threshold, severity, started_at, resolved_at
		 FROM sla_breaches WHERE sla_id = ? ORDER BY started_at DESC LIMIT ?`, slaID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var breaches []BreachRecord
	for rows.Next() {
		var b BreachRecord
		var startedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.SLAID, &b.Metric, &b.Value, &b.Threshold,
			&b.Severity, &startedAt, &resolvedAt); err != nil {
			return nil, err
		}
		b.StartedAt = parseTime(startedAt)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			b.ResolvedAt = &t
		}
		breaches = append(breaches, b)
	}
	return breaches, rows.Err()
}

// Metric points

func (s *SQLiteStore) WriteMetricPoint(ctx context.Context, p MetricPoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_points (timestamp, name, model_id, value) VALUES (?, ?, ?, ?)`,
		fmtTime(p.Timestamp), p.Name, p.ModelID, p.Value)
	return err
}

func (s *SQLiteStore) QueryMetricPoints(ctx context.Context, name, modelID string, since time.Time) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, name, model_id, value FROM metric_points
		 WHERE name = ? AND model_id = ? AND timestamp >= ? ORDER BY timestamp`,
		name, modelID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		var ts string
		if err := rows.Scan(&ts, &p.Name, &p.ModelID, &p.Value); err != nil {
			return nil, err
		}
		p.Timestamp = parseTime(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) PruneMetricPoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metric_points WHERE timestamp < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Request Logs

func (s *SQLiteStore) LogRequest(ctx context.Context, entry RequestLog) error {
	cachedInt := 0
	if entry.Cached {
		cachedInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, request_id, tenant_id, model_id, provider, strategy,
		 prompt_tokens, output_tokens, cost_usd, latency_ms, cached, fallback_depth, error_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(entry.Timestamp), entry.RequestID, entry.TenantID, entry.ModelID, entry.Provider,
		entry.Strategy, entry.PromptTokens, entry.OutputTokens, entry.CostUSD, entry.LatencyMs,
		cachedInt, entry.FallbackDepth, entry.ErrorClass)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, tenant_id, model_id, provider, strategy,
		 prompt_tokens, output_tokens, cost_usd, latency_ms, cached, fallback_depth, error_class
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		var cachedInt int
		if err := rows.Scan(&l.ID, &ts, &l.RequestID, &l.TenantID, &l.ModelID, &l.Provider,
			&l.Strategy, &l.PromptTokens, &l.OutputTokens, &l.CostUSD, &l.LatencyMs,
			&cachedInt, &l.FallbackDepth, &l.ErrorClass); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		l.Cached = cachedInt != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, actor, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(entry.Timestamp), entry.Actor, entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, actor, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Actor, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
