package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
	"github.com/syncwork-io/syncwork/internal/dbsession"
)

// EmailRepository persists normalized mailbox conversation records keyed by
// the upstream message id. UpsertBatch is the dispatcher's steady-state
// write path; Upsert is its per-item fallback.
type EmailRepository interface {
	Upsert(ctx context.Context, email *connectordb.Email) error
	// UpsertBatch applies the whole batch in one transaction with a single
	// multi-row insert-or-update statement; it commits or rolls back as a
	// unit.
	UpsertBatch(ctx context.Context, emails []*connectordb.Email) error
	GetByID(ctx context.Context, emailID string) (*connectordb.Email, error)
	MarkDeleted(ctx context.Context, emailID string, deletedAt time.Time) error
	List(ctx context.Context, opts ListOptions) ([]connectordb.Email, int64, error)
}

type gormEmailRepository struct {
	session *dbsession.Session
}

// NewEmailRepository returns an EmailRepository backed by the shared Session.
func NewEmailRepository(session *dbsession.Session) EmailRepository {
	return &gormEmailRepository{session: session}
}

// emailConflictClause is shared by the single and batch upsert paths.
// external_ref is excluded from DoUpdates: set once on first insert.
func emailConflictClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "email_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"thread_id", "subject", "from_address", "from_name",
			"to_addresses", "to_names", "cc_addresses", "cc_names",
			"bcc_addresses", "bcc_names", "in_reply_to",
			"body_text", "body_html", "sent_at", "received_at",
			"labels", "draft", "deleted", "deleted_at",
			"attachments", "raw", "synced_at",
		}),
	}
}

func ensureEmailExternalRef(email *connectordb.Email) error {
	if email.ExternalRef != "" {
		return nil
	}
	ref, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("emails: generate external ref: %w", err)
	}
	email.ExternalRef = ref.String()
	return nil
}

func (r *gormEmailRepository) Upsert(ctx context.Context, email *connectordb.Email) error {
	if err := ensureEmailExternalRef(email); err != nil {
		return err
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(emailConflictClause()).Create(email).Error
	})
	if err != nil {
		return fmt.Errorf("emails: upsert: %w", err)
	}
	return nil
}

func (r *gormEmailRepository) UpsertBatch(ctx context.Context, emails []*connectordb.Email) error {
	if len(emails) == 0 {
		return nil
	}

	rows := make([]connectordb.Email, 0, len(emails))
	for _, email := range emails {
		if err := ensureEmailExternalRef(email); err != nil {
			return err
		}
		rows = append(rows, *email)
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(emailConflictClause()).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("emails: upsert batch: %w", err)
	}
	return nil
}

func (r *gormEmailRepository) GetByID(ctx context.Context, emailID string) (*connectordb.Email, error) {
	var email connectordb.Email
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.First(&email, "email_id = ?", emailID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("emails: get by id: %w", err)
	}
	return &email, nil
}

func (r *gormEmailRepository) MarkDeleted(ctx context.Context, emailID string, deletedAt time.Time) error {
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&connectordb.Email{}).
			Where("email_id = ?", emailID).
			Updates(map[string]interface{}{"deleted": true, "deleted_at": deletedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("emails: mark deleted: %w", err)
	}
	return nil
}

func (r *gormEmailRepository) List(ctx context.Context, opts ListOptions) ([]connectordb.Email, int64, error) {
	var emails []connectordb.Email
	var total int64
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&connectordb.Email{}).Count(&total).Error; err != nil {
			return err
		}
		return tx.Order("received_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&emails).Error
	})
	if err != nil {
		return nil, 0, fmt.Errorf("emails: list: %w", err)
	}
	return emails, total, nil
}
