// Package domain defines the core interfaces and types for the extraction service.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Template operations
	SaveTemplate(ctx context.Context, tenantID string, tpl *BankTemplate) error
	GetTemplate(ctx context.Context, tenantID string, templateID string) (*BankTemplate, error)
	ListTemplates(ctx context.Context, tenantID string, activeOnly bool) ([]*BankTemplate, error)
	// UpdateTemplate writes tpl only if the stored version still equals
	// expectedVersion. Returns ErrVersionConflict otherwise.
	UpdateTemplate(ctx context.Context, tenantID string, tpl *BankTemplate, expectedVersion int) error
	DeactivateTemplate(ctx context.Context, tenantID string, templateID string) error
	IncrementTemplateCounter(ctx context.Context, tenantID string, templateID string, success bool) error

	// Transaction operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionByEmail(ctx context.Context, tenantID string, emailID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tenantID string, tx *Transaction) error

	// Review queue
	SaveReviewItem(ctx context.Context, tenantID string, item *ReviewItem) error
	GetReviewItem(ctx context.Context, tenantID string, itemID string) (*ReviewItem, error)
	ListReviewItems(ctx context.Context, tenantID string, filter ReviewFilter) ([]*ReviewItem, error)
	UpdateReviewItem(ctx context.Context, tenantID string, item *ReviewItem) error
	CountSimilarPending(ctx context.Context, tenantID string, templateID string, sender string) (int, error)

	// Feedback audit trail
	SaveCorrection(ctx context.Context, tenantID string, c *Correction) error
	ListCorrections(ctx context.Context, tenantID string, templateID string) ([]*Correction, error)
	SaveImprovement(ctx context.Context, tenantID string, imp *TemplateImprovement) error
	ListImprovements(ctx context.Context, tenantID string, templateID string) ([]*TemplateImprovement, error)

	// Source emails
	SaveEmail(ctx context.Context, tenantID string, email *Email) error
	GetEmail(ctx context.Context, tenantID string, emailID string) (*Email, error)
	UpdateEmail(ctx context.Context, tenantID string, email *Email) error
	// ClaimEmail moves a pending or failed email to processing. A claim
	// older than lease may be taken over. It reports false when another
	// worker holds the email or it already has an outcome.
	ClaimEmail(ctx context.Context, tenantID string, emailID string, lease time.Duration) (bool, error)
	ListEmailsByTemplate(ctx context.Context, tenantID string, templateID string, limit int) ([]*Email, error)

	// Review rules
	SaveReviewRule(ctx context.Context, tenantID string, rule *ReviewRule) error
	ListReviewRules(ctx context.Context, tenantID string) ([]*ReviewRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ReviewFilter narrows ListReviewItems. Zero values mean "any".
type ReviewFilter struct {
	Status     ReviewStatus
	TemplateID string
	Sender     string
	EmailID    string
	Limit      int
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"postgresPassword"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
