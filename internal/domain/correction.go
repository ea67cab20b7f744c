package domain

import "time"

// Correction is an append-only audit record of a human fixing one field.
type Correction struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenantId"`
	TransactionID string `json:"transactionId,omitempty"`
	ReviewItemID  string `json:"reviewItemId,omitempty"`
	TemplateID    string `json:"templateId,omitempty"`
	EmailID       string `json:"emailId,omitempty"`

	Field    Field  `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`

	TemplateUpdated bool `json:"templateUpdated"`
	SimilarUpdated  int  `json:"similarUpdated"`

	AccuracyBefore        float64 `json:"accuracyBefore"`
	AccuracyAfter         float64 `json:"accuracyAfter"`
	ConfidenceImprovement float64 `json:"confidenceImprovement"`

	CreatedAt time.Time `json:"createdAt"`
}

// TemplateImprovement records one mutation of a template's field strategies.
type TemplateImprovement struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenantId"`
	TemplateID   string `json:"templateId"`
	CorrectionID string `json:"correctionId,omitempty"`

	Field         Field                `json:"field"`
	OldStrategies []ExtractionStrategy `json:"oldStrategies"`
	NewStrategies []ExtractionStrategy `json:"newStrategies"`
	Reason        string               `json:"reason"`

	AccuracyBefore float64 `json:"accuracyBefore"`
	AccuracyAfter  float64 `json:"accuracyAfter"`
	SampleSize     int     `json:"sampleSize"`

	FromVersion int  `json:"fromVersion"`
	ToVersion   int  `json:"toVersion"`
	AIAssisted  bool `json:"aiAssisted"`

	CreatedAt time.Time `json:"createdAt"`
}
