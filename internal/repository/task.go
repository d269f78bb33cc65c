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

// TaskUpsert bundles one normalized task with the tag/assignee relation
// targets the dispatcher's fan-out step links after the row upsert, so a
// whole same-source dequeue batch can be applied in one transaction.
type TaskUpsert struct {
	Task          *connectordb.Task
	TagIDs        []string
	TagNames      map[string]string
	AssigneeIDs   []string
	AssigneeNames map[string]string
}

// TaskRepository persists the normalized task-tracker domain record.
// UpsertBatch is the dispatcher's steady-state write path; Upsert and the
// link helpers are its per-item fallback when a batch fails on a logic
// error and the poisoned record has to be isolated.
type TaskRepository interface {
	// Upsert inserts or updates a Task keyed by TaskID. It is the dispatcher's
	// idempotent write: calling it twice with the same TaskID and fields is a
	// no-op on the second call as far as observable state goes.
	Upsert(ctx context.Context, task *connectordb.Task) error

	// UpsertBatch applies a whole batch of tasks, including their relation
	// links, inside a single transaction: one multi-row insert-or-update for
	// the task rows, then the per-task link rewrites. The batch commits or
	// rolls back as a unit — one round-trip for ten records, not ten.
	UpsertBatch(ctx context.Context, batch []TaskUpsert) error

	GetByID(ctx context.Context, taskID string) (*connectordb.Task, error)
	MarkDeleted(ctx context.Context, taskID string, deletedAt time.Time) error
	List(ctx context.Context, opts ListOptions) ([]connectordb.Task, int64, error)

	// LinkTags and LinkAssignees replace the task's many-to-many relation
	// rows entirely (delete-then-insert), which is what makes repeated
	// dispatch of the same normalized record idempotent for the join tables
	// too.
	LinkTags(ctx context.Context, taskID string, tagIDs []string, tagNames map[string]string) error
	LinkAssignees(ctx context.Context, taskID string, assigneeIDs []string, assigneeNames map[string]string) error
}

type gormTaskRepository struct {
	session *dbsession.Session
}

// NewTaskRepository returns a TaskRepository backed by the shared Session.
func NewTaskRepository(session *dbsession.Session) TaskRepository {
	return &gormTaskRepository{session: session}
}

// taskConflictClause is the insert-or-update clause shared by the single and
// batch upsert paths. external_ref is excluded from DoUpdates: assigned once
// on first insert, it survives every later conflict-update.
func taskConflictClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"project_id", "project_name", "tasklist_id", "tasklist_name",
			"title", "description", "status", "priority", "progress",
			"created_by_name", "updated_by_name", "due_at", "updated_at",
			"deleted", "deleted_at", "source_links", "raw", "synced_at",
		}),
	}
}

func ensureTaskExternalRef(task *connectordb.Task) error {
	if task.ExternalRef != "" {
		return nil
	}
	ref, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("tasks: generate external ref: %w", err)
	}
	task.ExternalRef = ref.String()
	return nil
}

func (r *gormTaskRepository) Upsert(ctx context.Context, task *connectordb.Task) error {
	if err := ensureTaskExternalRef(task); err != nil {
		return err
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(taskConflictClause()).Create(task).Error
	})
	if err != nil {
		return fmt.Errorf("tasks: upsert: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) UpsertBatch(ctx context.Context, batch []TaskUpsert) error {
	if len(batch) == 0 {
		return nil
	}

	rows := make([]connectordb.Task, 0, len(batch))
	for _, item := range batch {
		if err := ensureTaskExternalRef(item.Task); err != nil {
			return err
		}
		rows = append(rows, *item.Task)
	}

	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(taskConflictClause()).Create(&rows).Error; err != nil {
			return fmt.Errorf("upsert task rows: %w", err)
		}
		for _, item := range batch {
			if err := linkTagsTx(tx, item.Task.TaskID, item.TagIDs, item.TagNames); err != nil {
				return err
			}
			if err := linkAssigneesTx(tx, item.Task.TaskID, item.AssigneeIDs, item.AssigneeNames); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tasks: upsert batch: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) GetByID(ctx context.Context, taskID string) (*connectordb.Task, error) {
	var task connectordb.Task
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.First(&task, "task_id = ?", taskID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

func (r *gormTaskRepository) MarkDeleted(ctx context.Context, taskID string, deletedAt time.Time) error {
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&connectordb.Task{}).
			Where("task_id = ?", taskID).
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
		return fmt.Errorf("tasks: mark deleted: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]connectordb.Task, int64, error) {
	var tasks []connectordb.Task
	var total int64
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&connectordb.Task{}).Count(&total).Error; err != nil {
			return err
		}
		return tx.Order("updated_at DESC").Limit(opts.Limit).Offset(opts.Offset).Find(&tasks).Error
	})
	if err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	return tasks, total, nil
}

// LinkTags replaces every task_tags row for taskID with exactly the given
// tagIDs, inserting any unseen Tag rows along the way. Delete-then-insert
// makes re-dispatching the same normalized record (e.g. after a backfill
// overlap re-enqueue) a no-op on the join table, not an accumulation.
func (r *gormTaskRepository) LinkTags(ctx context.Context, taskID string, tagIDs []string, tagNames map[string]string) error {
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return linkTagsTx(tx, taskID, tagIDs, tagNames)
	})
	if err != nil {
		return fmt.Errorf("tasks: link tags: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) LinkAssignees(ctx context.Context, taskID string, assigneeIDs []string, assigneeNames map[string]string) error {
	err := r.session.Execute(ctx, func(tx *gorm.DB) error {
		return linkAssigneesTx(tx, taskID, assigneeIDs, assigneeNames)
	})
	if err != nil {
		return fmt.Errorf("tasks: link assignees: %w", err)
	}
	return nil
}

func linkTagsTx(tx *gorm.DB, taskID string, tagIDs []string, tagNames map[string]string) error {
	for _, tagID := range tagIDs {
		tag := connectordb.Tag{TagID: tagID, Name: tagNames[tagID]}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tag_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&tag).Error; err != nil {
			return fmt.Errorf("upsert tag %s: %w", tagID, err)
		}
	}

	if err := tx.Where("task_id = ?", taskID).Delete(&connectordb.TaskTag{}).Error; err != nil {
		return fmt.Errorf("delete existing task_tags: %w", err)
	}

	if len(tagIDs) == 0 {
		return nil
	}
	rows := make([]connectordb.TaskTag, len(tagIDs))
	for i, tagID := range tagIDs {
		rows[i] = connectordb.TaskTag{TaskID: taskID, TagID: tagID}
	}
	return tx.Create(&rows).Error
}

func linkAssigneesTx(tx *gorm.DB, taskID string, assigneeIDs []string, assigneeNames map[string]string) error {
	for _, assigneeID := range assigneeIDs {
		assignee := connectordb.Assignee{AssigneeID: assigneeID, Name: assigneeNames[assigneeID]}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assignee_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name"}),
		}).Create(&assignee).Error; err != nil {
			return fmt.Errorf("upsert assignee %s: %w", assigneeID, err)
		}
	}

	if err := tx.Where("task_id = ?", taskID).Delete(&connectordb.TaskAssignee{}).Error; err != nil {
		return fmt.Errorf("delete existing task_assignees: %w", err)
	}

	if len(assigneeIDs) == 0 {
		return nil
	}
	rows := make([]connectordb.TaskAssignee, len(assigneeIDs))
	for i, assigneeID := range assigneeIDs {
		rows[i] = connectordb.TaskAssignee{TaskID: taskID, AssigneeID: assigneeID}
	}
	return tx.Create(&rows).Error
}
