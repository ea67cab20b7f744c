package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lggm33/AFP-Project/internal/domain"
)

// templatesKey holds a tenant's active-template snapshot.
const templatesKey = "templates:active"

var errTenantRequired = fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)

// scopedKey namespaces key under tenantID. Every cache entry is tenant scoped.
func scopedKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", errTenantRequired
	}
	return tenantID + ":" + key, nil
}

type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getTemplates(ctx context.Context, s byteStore, tenantID string) ([]*domain.BankTemplate, error) {
	return getTemplatesAt(ctx, s, tenantID, templatesKey)
}

func setTemplates(ctx context.Context, s byteStore, tenantID string, templates []*domain.BankTemplate, ttl time.Duration) error {
	return setTemplatesAt(ctx, s, tenantID, templatesKey, templates, ttl)
}

func getTemplatesAt(ctx context.Context, s byteStore, tenantID, key string) ([]*domain.BankTemplate, error) {
	data, err := s.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}

	var templates []*domain.BankTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to decode template snapshot: %w", err)
	}
	return templates, nil
}

func setTemplatesAt(ctx context.Context, s byteStore, tenantID, key string, templates []*domain.BankTemplate, ttl time.Duration) error {
	if templates == nil {
		templates = []*domain.BankTemplate{}
	}
	data, err := json.Marshal(templates)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, key, data, ttl)
}
