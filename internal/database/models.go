package database

import (
	"encoding/json"
	"time"
)

// ============================================================================
// DATA MODEL - tenancy, identity, telemetry, detection
// ============================================================================

// Organization owns projects. Deleted only when empty of projects.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a platform account. PasswordHash is nil for SSO-only users.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash *string    `json:"-"`
	IsAdmin      bool       `json:"isAdmin"`
	Disabled     bool       `json:"disabled"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

type OrgRole string

const (
	RoleOwner  OrgRole = "owner"
	RoleMember OrgRole = "member"
)

type OrganizationMember struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Role           OrgRole   `json:"role"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"createdAt"`
}

// APIKey authenticates ingestion. KeyHash is SHA-256 of the plaintext; the
// plaintext is shown to the user exactly once.
type APIKey struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Revoked    bool       `json:"revoked"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type ProviderKind string

const (
	ProviderLocal ProviderKind = "local"
	ProviderOIDC  ProviderKind = "oidc"
	ProviderLDAP  ProviderKind = "ldap"
)

// AuthProvider is a configured authentication backend. The local provider
// always exists, is always enabled, and cannot be deleted.
type AuthProvider struct {
	ID           string                 `json:"id"`
	Kind         ProviderKind           `json:"type"`
	Slug         string                 `json:"slug"`
	Name         string                 `json:"name"`
	Icon         string                 `json:"icon,omitempty"`
	Enabled      bool                   `json:"enabled"`
	IsDefault    bool                   `json:"isDefault"`
	DisplayOrder int                    `json:"displayOrder"`
	Config       map[string]interface{} `json:"config"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// UserIdentity links a user to an external (or local) provider account.
// (provider, providerUserId) is unique.
type UserIdentity struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ProviderID     string    `json:"providerId"`
	ProviderUserID string    `json:"providerUserId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// OidcState is a single-use authorization request record, TTL 5 minutes,
// mirrored in the KV cache.
type OidcState struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	ProviderID   string    `json:"providerId"`
	RedirectURI  string    `json:"redirectUri"`
	CodeVerifier string    `json:"codeVerifier"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

type Log struct {
	ID        string                 `json:"id"`
	Time      time.Time              `json:"time"`
	ProjectID string                 `json:"projectId"`
	Service   string                 `json:"service"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"traceId,omitempty"`
	SpanID    string                 `json:"spanId,omitempty"`
}

type Span struct {
	Time               time.Time              `json:"time"`
	ProjectID          string                 `json:"projectId"`
	OrganizationID     string                 `json:"organizationId"`
	TraceID            string                 `json:"traceId"`
	SpanID             string                 `json:"spanId"`
	ParentSpanID       string                 `json:"parentSpanId,omitempty"`
	ServiceName        string                 `json:"serviceName"`
	OperationName      string                 `json:"operationName"`
	StartTime          time.Time              `json:"startTime"`
	EndTime            time.Time              `json:"endTime"`
	DurationMs         float64                `json:"durationMs"`
	Kind               string                 `json:"kind"`
	StatusCode         string                 `json:"statusCode"`
	StatusMessage      string                 `json:"statusMessage,omitempty"`
	Attributes         map[string]interface{} `json:"attributes,omitempty"`
	Events             []interface{}          `json:"events,omitempty"`
	Links              []interface{}          `json:"links,omitempty"`
	ResourceAttributes map[string]interface{} `json:"resourceAttributes,omitempty"`
}

// Trace is the per-trace aggregate, upserted per ingest batch.
type Trace struct {
	TraceID           string    `json:"traceId"`
	ProjectID         string    `json:"projectId"`
	ServiceName       string    `json:"serviceName"`
	RootServiceName   string    `json:"rootServiceName,omitempty"`
	RootOperationName string    `json:"rootOperationName,omitempty"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
	DurationMs        float64   `json:"durationMs"`
	SpanCount         int       `json:"spanCount"`
	Error             bool      `json:"error"`
}

// SigmaRule is a stored detection rule. Detection holds the parsed
// selection/condition tree as JSON.
type SigmaRule struct {
	ID              string                 `json:"id"`
	OrganizationID  string                 `json:"organizationId"`
	ProjectID       *string                `json:"projectId,omitempty"`
	SigmaID         string                 `json:"sigmaId"`
	Title           string                 `json:"title"`
	Level           string                 `json:"level"`
	Status          string                 `json:"status"`
	Logsource       map[string]interface{} `json:"logsource,omitempty"`
	Detection       map[string]interface{} `json:"detection"`
	Enabled         bool                   `json:"enabled"`
	EmailRecipients []string               `json:"emailRecipients,omitempty"`
	WebhookURL      string                 `json:"webhookUrl,omitempty"`
	AlertRuleID     *string                `json:"alertRuleId,omitempty"`
	ConversionMeta  map[string]interface{} `json:"conversionMeta,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
}

type AlertRule struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	ProjectID       *string   `json:"projectId,omitempty"`
	Name            string    `json:"name"`
	Service         string    `json:"service,omitempty"`
	Levels          []string  `json:"levels"`
	TimeWindowMin   int       `json:"timeWindow"`
	Threshold       int       `json:"threshold"`
	Enabled         bool      `json:"enabled"`
	EmailRecipients []string  `json:"emailRecipients,omitempty"`
	WebhookURL      string    `json:"webhookUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AlertHistory is the idempotency record for delivered alerts.
type AlertHistory struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"ruleId"`
	LogCount    int        `json:"logCount"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	NotifiedAt  *time.Time `json:"notifiedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type SystemSetting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
