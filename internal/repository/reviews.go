package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

const reviewColumns = `
	id, tenant_id, email_id, template_id, sender, status, priority, snapshot,
	notes, similar_count, attempts, error, transaction_id, created_at, resolved_at
`

// SaveReviewItem stores a review item with tenant isolation.
func (r *SQLRepository) SaveReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	snapshot, err := marshalJSON(item.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO review_items (` + reviewColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		item.ID, tenantID, item.EmailID, item.TemplateID, item.Sender,
		string(item.Status), item.Priority, snapshot,
		item.Notes, item.SimilarCount, item.Attempts, item.Error, item.TransactionID,
		item.CreatedAt, nullTime(item.ResolvedAt),
	)
	return err
}

// GetReviewItem retrieves a review item by ID with tenant isolation.
func (r *SQLRepository) GetReviewItem(ctx context.Context, tenantID string, itemID string) (*domain.ReviewItem, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + reviewColumns + ` FROM review_items WHERE tenant_id = ? AND id = ?`

	item, err := scanReviewItem(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListReviewItems returns review items, most urgent first.
func (r *SQLRepository) ListReviewItems(ctx context.Context, tenantID string, filter domain.ReviewFilter) ([]*domain.ReviewItem, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + reviewColumns + ` FROM review_items WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, filter.TemplateID)
	}
	if filter.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, filter.Sender)
	}
	if filter.EmailID != "" {
		query += ` AND email_id = ?`
		args = append(args, filter.EmailID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// UpdateReviewItem persists status, snapshot and resolution of an item.
func (r *SQLRepository) UpdateReviewItem(ctx context.Context, tenantID string, item *domain.ReviewItem) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	snapshot, err := marshalJSON(item.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		UPDATE review_items SET
			status = ?, priority = ?, snapshot = ?, notes = ?, similar_count = ?,
			attempts = ?, error = ?, transaction_id = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(item.Status), item.Priority, snapshot, item.Notes, item.SimilarCount,
		item.Attempts, item.Error, item.TransactionID, nullTime(item.ResolvedAt),
		tenantID, item.ID,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// CountSimilarPending counts pending items from the same template and sender.
func (r *SQLRepository) CountSimilarPending(ctx context.Context, tenantID string, templateID string, sender string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM review_items
		WHERE tenant_id = ? AND template_id = ? AND sender = ? AND status = ?
	`

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, templateID, sender, string(domain.ReviewPending),
	).Scan(&n)
	return n, err
}

func scanReviewItem(s scanner) (*domain.ReviewItem, error) {
	var item domain.ReviewItem
	var status, snapshot string
	var resolved sql.NullTime

	if err := s.Scan(
		&item.ID, &item.TenantID, &item.EmailID, &item.TemplateID, &item.Sender,
		&status, &item.Priority, &snapshot,
		&item.Notes, &item.SimilarCount, &item.Attempts, &item.Error, &item.TransactionID,
		&item.CreatedAt, &resolved,
	); err != nil {
		return nil, err
	}

	item.Status = domain.ReviewStatus(status)
	item.ResolvedAt = timePtr(resolved)
	if err := json.Unmarshal([]byte(snapshot), &item.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot for review item %s: %w", item.ID, err)
	}
	return &item, nil
}
