package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

const transactionColumns = `
	id, tenant_id, email_id, template_id, amount, currency, occurred_at,
	type, merchant, reference, confidence, created_at, updated_at
`

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.EmailID, tx.TemplateID,
		tx.Amount.String(), tx.Currency, tx.OccurredAt,
		string(tx.Type), tx.Merchant, tx.Reference, tx.Confidence,
		tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`
	return r.getTransaction(ctx, query, tenantID, txID)
}

// GetTransactionByEmail retrieves the transaction accepted for an email.
func (r *SQLRepository) GetTransactionByEmail(ctx context.Context, tenantID string, emailID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND email_id = ?`
	return r.getTransaction(ctx, query, tenantID, emailID)
}

func (r *SQLRepository) getTransaction(ctx context.Context, query string, args ...any) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// UpdateTransaction rewrites the mutable fields of a transaction.
func (r *SQLRepository) UpdateTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE transactions SET
			amount = ?, currency = ?, occurred_at = ?, type = ?,
			merchant = ?, reference = ?, confidence = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.Amount.String(), tx.Currency, tx.OccurredAt, string(tx.Type),
		tx.Merchant, tx.Reference, tx.Confidence, tx.UpdatedAt,
		tenantID, tx.ID,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType string

	if err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.EmailID, &tx.TemplateID,
		&tx.Amount, &tx.Currency, &tx.OccurredAt,
		&txType, &tx.Merchant, &tx.Reference, &tx.Confidence,
		&tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tx.Type = domain.TransactionType(txType)
	return &tx, nil
}
