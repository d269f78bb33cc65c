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

// DocumentRepository persists normalized doc-store records keyed by the
// upstream document id. The doc source has no delta endpoint and is polled
// by full re-enumeration, which enqueues every document on each tick
// without reading LastModifiedAt. UpsertBatch is the dispatcher's steady-state
// write path; Upsert is its per-item fallback.
type DocumentRepository interface {
	Upsert(ctx context.Context, doc *connectordb.Document) error
	// UpsertBatch applies the whole batch in one transaction with a single
	// multi-row insert-or-update statement; it commits or rolls back as a
	// unit.
	UpsertBatch(ctx context.Context, docs []*connectordb.Document) error
	GetByID(ctx context.Context, docID string) (*connectordb.Document, error)
	MarkDeleted(ctx context.Context, docID string, deletedAt time.Time) error
	List(ctx context.Context, opts ListOptions) ([]connectordb.Document, int64, error)
}

type gormDocumentRepository struct {
	session *dbsession.Session
}

// NewDocumentRepository returns a DocumentRepository backed by the shared Session.
func NewDocumentRepository(session *dbsession.Session) DocumentRepository {
	return &gormDocumentRepository{session: session}
}

// documentConflictClause is shared by the single and batch upsert paths.
// external_ref is excluded from DoUpdates: set once on first insert.
func documentConflictClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "markdown_content", "is_deleted", "folder_path",
			"folder_id", "location", "daily_note_date",
			"last_modified_at", "synced_at",
		}),
	}
}

func ensureDocumentExternalRef(doc *connectordb.Document) error {
	if doc.ExternalRef != "" {
		return nil
	}
	ref, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("documents: generate external ref: %w", err)
	}
	doc.ExternalRef = ref.String()
	return nil
}

func (r *gormDocumentRepository) Upsert(ctx context.Context, doc *connectordb.Document) error {
	if err := ensureDocumentExternalRef(doc); err != nil {
		return err
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(documentConflictClause()).Create(doc).Error
	})
	if err != nil {
		return fmt.Errorf("documents: upsert: %w", err)
	}
	return nil
}

func (r *gormDocumentRepository) UpsertBatch(ctx context.Context, docs []*connectordb.Document) error {
	if len(docs) == 0 {
		return nil
	}

	rows := make([]connectordb.Document, 0, len(docs))
	for _, doc := range docs {
		if err := ensureDocumentExternalRef(doc); err != nil {
			return err
		}
		rows = append(rows, *doc)
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(documentConflictClause()).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("documents: upsert batch: %w", err)
	}
	return nil
}

func (r *gormDocumentRepository) GetByID(ctx context.Context, docID string) (*connectordb.Document, error) {
	var doc connectordb.Document
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.First(&doc, "doc_id = ?", docID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("documents: get by id: %w", err)
	}
	return &doc, nil
}

// MarkDeleted flips is_deleted. The documents table carries no separate
// deleted_at column; the deletion timestamp lands in last_modified_at, the
// record's final modification.
func (r *gormDocumentRepository) MarkDeleted(ctx context.Context, docID string, deletedAt time.Time) error {
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&connectordb.Document{}).
			Where("doc_id = ?", docID).
			Updates(map[string]interface{}{"is_deleted": true, "last_modified_at": deletedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("documents: mark deleted: %w", err)
	}
	return nil
}

func (r *gormDocumentRepository) List(ctx context.Context, opts ListOptions) ([]connectordb.Document, int64, error) {
	var docs []connectordb.Document
	var total int64
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&connectordb.Document{}).Count(&total).Error; err != nil {
			return err
		}
		return tx.Order("last_modified_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&docs).Error
	})
	if err != nil {
		return nil, 0, fmt.Errorf("documents: list: %w", err)
	}
	return docs, total, nil
}
