package domain

import "time"

// EmailStatus tracks where a source email is in the pipeline.
type EmailStatus string

const (
	EmailPending    EmailStatus = "pending"
	EmailProcessing EmailStatus = "processing"
	EmailProcessed  EmailStatus = "processed"
	EmailReview     EmailStatus = "review"
	EmailFailed     EmailStatus = "failed"
)

// Claimable reports whether a worker may start processing the email.
func (s EmailStatus) Claimable() bool {
	return s == EmailPending || s == EmailFailed
}

// MaxAttempts is the number of processing attempts before an email is
// force-queued for review.
const MaxAttempts = 3

// Email is a bank notification as supplied by the mailbox side, plus the
// processing state the pipeline keeps on it.
type Email struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	ExternalID string    `json:"externalId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	MIMEType   string    `json:"mimeType,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`

	Status      EmailStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"lastError,omitempty"`
	TemplateID  string      `json:"templateId,omitempty"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
}

// Exhausted reports whether the email has used all its attempts.
func (e *Email) Exhausted() bool {
	return e.Attempts >= MaxAttempts
}
