// Package store defines the persistence interface for the router and its
// SQLite implementation. Everything durable lives here: the model catalog,
// tenants and their quota counters, API keys, experiments, SLA definitions
// and breaches, metric samples, and the audit and request logs.
package store

import (
	"context"
	"time"
)

// Store is the persistence contract.
type Store interface {
	// Models
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, id string) error

	// Tenants
	ListTenants(ctx context.Context) ([]TenantRecord, error)
	GetTenant(ctx context.Context, id string) (*TenantRecord, error)
	UpsertTenant(ctx context.Context, t TenantRecord) error
	DeleteTenant(ctx context.Context, id string) error
	AddTenantUser(ctx context.Context, u TenantUserRecord) error
	ListTenantUsers(ctx context.Context, tenantID string) ([]TenantUserRecord, error)

	// API keys
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Experiments
	ListExperiments(ctx context.Context) ([]ExperimentRecord, error)
	GetExperiment(ctx context.Context, id string) (*ExperimentRecord, error)
	UpsertExperiment(ctx context.Context, e ExperimentRecord) error
	DeleteExperiment(ctx context.Context, id string) error
	RecordExperimentResult(ctx context.Context, r ExperimentResultRecord) error
	ListExperimentResults(ctx context.Context, experimentID string) ([]ExperimentResultRecord, error)

	// SLAs
	ListSLAs(ctx context.Context) ([]SLARecord, error)
	UpsertSLA(ctx context.Context, s SLARecord) error
	DeleteSLA(ctx context.Context, id string) error
	LogBreach(ctx context.Context, b BreachRecord) (int64, error)
	ResolveBreach(ctx context.Context, id int64, resolvedAt time.Time) error
	ListBreaches(ctx context.Context, slaID string, limit int) ([]BreachRecord, error)

	// Metric samples (time series for SLA evaluation and dashboards)
	WriteMetricPoint(ctx context.Context, p MetricPoint) error
	QueryMetricPoints(ctx context.Context, name, modelID string, since time.Time) ([]MetricPoint, error)
	PruneMetricPoints(ctx context.Context, before time.Time) (int64, error)

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ModelRecord is the persisted form of a catalog entry. Cost columns are USD
// per one million tokens.
type ModelRecord struct {
	ID             string    `json:"id"`
	Family         string    `json:"family"`
	Format         string    `json:"format"`
	Provider       string    `json:"provider"`
	Source         string    `json:"source"`
	ContextWindow  int       `json:"context_window"`
	MaxOutput      int       `json:"max_output"`
	Capabilities   string    `json:"capabilities"` // JSON array
	CostPerMTokIn  float64   `json:"cost_per_mtok_in"`
	CostPerMTokOut float64   `json:"cost_per_mtok_out"`
	Metadata       string    `json:"metadata"` // JSON object
	CreatedAt      time.Time `json:"created_at"`
}

// TenantRecord is the persisted form of a tenant, including the rolling quota
// counters so enforcement survives restarts.
type TenantRecord struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Tier                string    `json:"tier"`
	RPMLimit            int       `json:"rpm_limit"`
	TPMLimit            int       `json:"tpm_limit"`
	DailyTokenLimit     int64     `json:"daily_token_limit"`
	MonthlyCostLimitUSD float64   `json:"monthly_cost_limit_usd"`
	MinuteRequests      int       `json:"minute_requests"`
	MinuteTokens        int64     `json:"minute_tokens"`
	MinuteWindowStart   time.Time `json:"minute_window_start"`
	DayTokens           int64     `json:"day_tokens"`
	DayWindowStart      time.Time `json:"day_window_start"`
	MonthCostUSD        float64   `json:"month_cost_usd"`
	MonthWindowStart    time.Time `json:"month_window_start"`
	CreatedAt           time.Time `json:"created_at"`
}

// TenantUserRecord is one member of a tenant. (tenant_id, email) is unique.
type TenantUserRecord struct {
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyRecord is the persisted form of an API key. KeyHash is a bcrypt hash;
// the plaintext is shown once at creation and never stored.
type APIKeyRecord struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	KeyHash      string     `json:"-"`
	KeyPrefix    string     `json:"key_prefix"`
	Name         string     `json:"name"`
	Permissions  string     `json:"permissions"`  // JSON array
	IPAllowlist  string     `json:"ip_allowlist"` // JSON array of CIDRs, empty = any
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RotationDays int        `json:"rotation_days"`
	Enabled      bool       `json:"enabled"`
}

// ExperimentRecord is a persisted A/B experiment. Variants is a JSON array of
// {name, model_id, split} where splits sum to 100.
type ExperimentRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active | paused | completed
	Variants  string    `json:"variants"`
	CreatedAt time.Time `json:"created_at"`
}

// ExperimentResultRecord accumulates per-variant outcome counters.
type ExperimentResultRecord struct {
	ExperimentID string  `json:"experiment_id"`
	Variant      string  `json:"variant"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	SumLatencyMs float64 `json:"sum_latency_ms"`
	SumCostUSD   float64 `json:"sum_cost_usd"`
	SumTokens    int64   `json:"sum_tokens"`
}

// SLARecord is a persisted SLA definition.
type SLARecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Metric     string    `json:"metric"`   // latency_p95, error_rate, availability, ...
	Operator   string    `json:"operator"` // lt, lte, gt, gte
	Threshold  float64   `json:"threshold"`
	WindowSecs int       `json:"window_secs"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// BreachRecord is one SLA violation episode.
type BreachRecord struct {
	ID         int64      `json:"id"`
	SLAID      string     `json:"sla_id"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Severity   string     `json:"severity"` // minor | major | critical
	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// MetricPoint is one time-series sample.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	ModelID   string    `json:"model_id"`
	Value     float64   `json:"value"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`               // e.g. "model.register", "tenant.delete"
	Resource  string    `json:"resource"`             // e.g. "llama-3-8b", "tenant-42"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for audit/dashboard.
type RequestLog struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	TenantID      string    `json:"tenant_id"`
	ModelID       string    `json:"model_id"`
	Provider      string    `json:"provider"`
	Strategy      string    `json:"strategy"`
	PromptTokens  int       `json:"prompt_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	LatencyMs     int64     `json:"latency_ms"`
	Cached        bool      `json:"cached"`
	FallbackDepth int       `json:"fallback_depth"`
	ErrorClass    string    `json:"error_class,omitempty"`
}
