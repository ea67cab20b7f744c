package repository

// Schema definitions for the AFP database.
// Compatible with both SQLite and PostgreSQL.

// schemaTemplates keeps one row per template. Strategy history lives in
// template_improvements.
const schemaTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    bank_name TEXT NOT NULL,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    active INTEGER NOT NULL DEFAULT 1,
    sender_patterns TEXT NOT NULL,
    subject_patterns TEXT NOT NULL,
    required_keywords TEXT NOT NULL,
    fields TEXT NOT NULL,
    required_fields TEXT NOT NULL,
    transaction_type TEXT NOT NULL DEFAULT '',
    confidence_threshold REAL NOT NULL DEFAULT 0.7,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_used_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_templates_tenant ON templates(tenant_id);
CREATE INDEX IF NOT EXISTS idx_templates_active ON templates(tenant_id, active);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    email_id TEXT NOT NULL,
    template_id TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    type TEXT NOT NULL,
    merchant TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_email ON transactions(tenant_id, email_id);
CREATE INDEX IF NOT EXISTS idx_transactions_template ON transactions(tenant_id, template_id);
`

const schemaReviewItems = `
CREATE TABLE IF NOT EXISTS review_items (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    email_id TEXT NOT NULL,
    template_id TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    priority INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    similar_count INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_items_tenant ON review_items(tenant_id);
CREATE INDEX IF NOT EXISTS idx_review_items_status ON review_items(tenant_id, status, priority);
CREATE INDEX IF NOT EXISTS idx_review_items_similar ON review_items(tenant_id, template_id, sender, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_items_email ON review_items(tenant_id, email_id);
`

const schemaCorrections = `
CREATE TABLE IF NOT EXISTS corrections (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    review_item_id TEXT NOT NULL DEFAULT '',
    template_id TEXT NOT NULL DEFAULT '',
    email_id TEXT NOT NULL DEFAULT '',
    field TEXT NOT NULL,
    old_value TEXT NOT NULL,
    new_value TEXT NOT NULL,
    template_updated INTEGER NOT NULL DEFAULT 0,
    similar_updated INTEGER NOT NULL DEFAULT 0,
    accuracy_before REAL NOT NULL DEFAULT 0,
    accuracy_after REAL NOT NULL DEFAULT 0,
    confidence_improvement REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_tenant ON corrections(tenant_id);
CREATE INDEX IF NOT EXISTS idx_corrections_template ON corrections(tenant_id, template_id);
`

const schemaImprovements = `
CREATE TABLE IF NOT EXISTS template_improvements (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    template_id TEXT NOT NULL,
    correction_id TEXT NOT NULL DEFAULT '',
    field TEXT NOT NULL,
    old_strategies TEXT NOT NULL,
    new_strategies TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    accuracy_before REAL NOT NULL DEFAULT 0,
    accuracy_after REAL NOT NULL DEFAULT 0,
    sample_size INTEGER NOT NULL DEFAULT 0,
    from_version INTEGER NOT NULL,
    to_version INTEGER NOT NULL,
    ai_assisted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_improvements_template ON template_improvements(tenant_id, template_id);
`

const schemaEmails = `
CREATE TABLE IF NOT EXISTS emails (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    mime_type TEXT NOT NULL DEFAULT '',
    received_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    template_id TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMP,
    claimed_at BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_emails_tenant ON emails(tenant_id);
CREATE INDEX IF NOT EXISTS idx_emails_template ON emails(tenant_id, template_id, received_at);
`

// schemaReviewRules defines CEL rules that force candidates into review.
const schemaReviewRules = `
CREATE TABLE IF NOT EXISTS review_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_review_rules_tenant ON review_rules(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTemplates,
		schemaTransactions,
		schemaReviewItems,
		schemaCorrections,
		schemaImprovements,
		schemaEmails,
		schemaReviewRules,
	}
}
