package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
	"github.com/syncwork-io/syncwork/internal/dbsession"
)

// WebhookConfigRepository persists the remote webhook subscription ID per
// source. The ingest pipeline never reads this table — it exists so an
// operational re-registration CLI can find the subscription it created
// earlier instead of registering a duplicate.
type WebhookConfigRepository interface {
	Get(ctx context.Context, source string) (*connectordb.WebhookConfig, error)
	Set(ctx context.Context, source, remoteWebhookID string) error
}

type gormWebhookConfigRepository struct {
	session *dbsession.Session
}

// NewWebhookConfigRepository returns a WebhookConfigRepository backed by the
// shared Session.
func NewWebhookConfigRepository(session *dbsession.Session) WebhookConfigRepository {
	return &gormWebhookConfigRepository{session: session}
}

func (r *gormWebhookConfigRepository) Get(ctx context.Context, source string) (*connectordb.WebhookConfig, error) {
	var row connectordb.WebhookConfig
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.First(&row, "source = ?", source).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhook config: get: %w", err)
	}
	return &row, nil
}

func (r *gormWebhookConfigRepository) Set(ctx context.Context, source, remoteWebhookID string) error {
	row := connectordb.WebhookConfig{
		Source:          source,
		RemoteWebhookID: remoteWebhookID,
		RegisteredAt:    time.Now().UTC(),
	}
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}},
			DoUpdates: clause.AssignmentColumns([]string{"remote_webhook_id", "registered_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("webhook config: set: %w", err)
	}
	return nil
}
