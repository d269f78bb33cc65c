// Package db holds the GORM models and the database connection/migration
// plumbing shared by every repository in this service. Tables fall into
// two groups: the pipeline's own coordination state (QueueItem,
// Checkpoint, WebhookConfig), and the three upstream-mirrored domain tables
// (Task, Email, Document) that the dispatcher's upsert writes into.
package db

import "time"

// -----------------------------------------------------------------------------
// Pipeline coordination state
// -----------------------------------------------------------------------------

// QueueItem is a single unit of pending ingest work. ID is a monotonic,
// database-assigned integer (not a UUID) so that DequeueBatch's
// "next_retry_at ASC, id ASC" ordering is cheap and index-friendly.
//
// Duplicate (Source, ExternalID, EventType) rows are expected and tolerated —
// the pipeline relies on the upsert's idempotency, not on queue deduplication.
type QueueItem struct {
	ID               int64     `gorm:"primaryKey;autoIncrement"`
	Source           string    `gorm:"not null;index:idx_queue_source_status"`
	EventType        string    `gorm:"not null;default:'unknown'"`
	ExternalID       string    `gorm:"not null"`
	Status           string    `gorm:"not null;default:'pending';index:idx_queue_source_status"`
	RetryCount       int       `gorm:"not null;default:0"`
	NextRetryAt      time.Time `gorm:"not null;index:idx_queue_dequeue"`
	ClaimedBy        *string
	ClaimedAt        *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	CompletedAt      *time.Time
	LastError        *string
	ProcessingTimeMS *int64
}

// TableName pins the table name explicitly; GORM's default pluralization
// would already produce this, but the queue schema is load-bearing enough
// to not want it to silently drift if the struct is ever renamed.
func (QueueItem) TableName() string { return "queue_items" }

const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	QueueStatusDeadLetter = "dead_letter"
)

// Checkpoint is the reconciliation high-water mark for one source. Written
// only by the Backfill Reconciler, at the end of each successful poll window.
type Checkpoint struct {
	Source        string    `gorm:"primaryKey"`
	LastEventTime time.Time `gorm:"not null"`
	LastCursor    *string
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

// WebhookConfig persists the remote webhook subscription ID returned when a
// source's webhook was registered, so an out-of-scope operational CLI can
// re-register after credential rotation without duplicating subscriptions.
// The ingest pipeline itself never reads this table.
type WebhookConfig struct {
	Source          string `gorm:"primaryKey"`
	RemoteWebhookID string `gorm:"not null;default:''"`
	RegisteredAt    time.Time
}

func (WebhookConfig) TableName() string { return "webhook_config" }

// -----------------------------------------------------------------------------
// Task (from the task tracker source)
// -----------------------------------------------------------------------------

// Task is the normalized, upserted mirror of a single task-tracker record.
// TaskID is the remote record's own ID — there is no separate local surrogate
// key, since the dispatcher's upsert is always keyed by the remote ID.
//
// Tags and Assignees are NOT embedded here: they are many-to-many relations
// resolved through TaskTag/TaskAssignee, because GORM cannot auto-resolve
// foreign keys against a string-typed primary key any more cleanly than it
// can against a uuid.UUID one (see TaskRepository.LinkTags for the
// delete-then-insert idempotent linking helper).
type Task struct {
	TaskID        string `gorm:"primaryKey"`
	ProjectID     string `gorm:"default:''"`
	ProjectName   string `gorm:"default:''"`
	TasklistID    string `gorm:"default:''"`
	TasklistName  string `gorm:"default:''"`
	Title         string `gorm:"not null"`
	Description   string `gorm:"type:text;default:''"`
	Status        string `gorm:"not null;default:''"`
	Priority      string `gorm:"default:''"`
	Progress      int    `gorm:"default:0"`
	CreatedByName string `gorm:"default:''"`
	UpdatedByName string `gorm:"default:''"`
	DueAt         *time.Time
	UpdatedAt     time.Time `gorm:"not null;index"` // remote updated_at, drives idempotent-upsert comparisons
	Deleted       bool      `gorm:"not null;default:false"`
	DeletedAt     *time.Time
	SourceLinks   string    `gorm:"type:text;default:'{}'"`          // JSON map
	Raw           string    `gorm:"type:text;default:''"`            // archival passthrough of the raw API payload
	ExternalRef   string    `gorm:"not null;default:'';uniqueIndex"` // UUIDv7 idempotency token, assigned once on first insert
	SyncedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

func (Task) TableName() string { return "tasks" }

// Tag is a task-tracker tag, keyed by its remote ID.
type Tag struct {
	TagID string `gorm:"primaryKey"`
	Name  string `gorm:"not null"`
}

func (Tag) TableName() string { return "tags" }

// TaskTag is the join row between Task and Tag.
type TaskTag struct {
	TaskID string `gorm:"primaryKey"`
	TagID  string `gorm:"primaryKey"`
}

func (TaskTag) TableName() string { return "task_tags" }

// Assignee is a task-tracker user who can be assigned to a task, keyed by
// its remote ID.
type Assignee struct {
	AssigneeID string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
}

func (Assignee) TableName() string { return "assignees" }

// TaskAssignee is the join row between Task and Assignee.
type TaskAssignee struct {
	TaskID     string `gorm:"primaryKey"`
	AssigneeID string `gorm:"primaryKey"`
}

func (TaskAssignee) TableName() string { return "task_assignees" }

// -----------------------------------------------------------------------------
// Email (from the mailbox source)
// -----------------------------------------------------------------------------

// Email is the normalized, upserted mirror of a single mailbox thread message.
// To/Cc/Bcc addresses and their parallel name sequences, and InReplyTo, are
// stored as JSON arrays rather than join tables — they have no identity of
// their own outside this one email and are never queried independently.
type Email struct {
	EmailID      string `gorm:"primaryKey"`
	ThreadID     string `gorm:"not null;index"`
	Subject      string `gorm:"default:''"`
	FromAddress  string `gorm:"default:''"`
	FromName     string `gorm:"default:''"`
	ToAddresses  string `gorm:"type:text;default:'[]'"` // JSON array
	ToNames      string `gorm:"type:text;default:'[]'"`
	CcAddresses  string `gorm:"type:text;default:'[]'"`
	CcNames      string `gorm:"type:text;default:'[]'"`
	BccAddresses string `gorm:"type:text;default:'[]'"`
	BccNames     string `gorm:"type:text;default:'[]'"`
	InReplyTo    string `gorm:"type:text;default:'[]'"`
	BodyText     string `gorm:"type:text;default:''"`
	BodyHTML     string `gorm:"type:text;default:''"`
	SentAt       *time.Time
	ReceivedAt   *time.Time `gorm:"index"`
	Labels       string     `gorm:"type:text;default:'[]'"` // JSON array of label names
	Draft        bool       `gorm:"not null;default:false"`
	Deleted      bool       `gorm:"not null;default:false"`
	DeletedAt    *time.Time
	Attachments  string    `gorm:"type:text;default:'[]'"` // JSON array of attachment descriptors
	Raw          string    `gorm:"type:text;default:''"`
	ExternalRef  string    `gorm:"not null;default:'';uniqueIndex"` // UUIDv7 idempotency token, assigned once on first insert
	SyncedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

func (Email) TableName() string { return "emails" }

// -----------------------------------------------------------------------------
// Document (from the optional document store source)
// -----------------------------------------------------------------------------

// Document is the normalized, upserted mirror of a single document. The
// document source lacks a delta endpoint, so the reconciler re-enumerates
// and enqueues every document on each tick without comparing LastModifiedAt.
type Document struct {
	DocID           string `gorm:"primaryKey;column:doc_id"`
	Title           string `gorm:"not null;default:''"`
	MarkdownContent string `gorm:"type:text;default:''"`
	IsDeleted       bool   `gorm:"not null;default:false"`
	FolderPath      string `gorm:"default:''"`
	FolderID        string `gorm:"default:''"`
	Location        string `gorm:"default:''"`
	DailyNoteDate   *time.Time
	LastModifiedAt  time.Time `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
	ExternalRef     string    `gorm:"not null;default:'';uniqueIndex"` // UUIDv7 idempotency token, assigned once on first insert
	SyncedAt        time.Time `gorm:"not null;autoUpdateTime"`
}

func (Document) TableName() string { return "documents" }
