package task

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskdash/internal/models"
	"taskdash/internal/realtime"
)

// ValidationError reports a user-correctable problem with a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CreateFields carries the caller-supplied values for a new task. The owner
// is never taken from here; it always comes from the authenticated identity.
type CreateFields struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    models.Priority `json:"priority"`
	Status      models.Status   `json:"status"`
	DueDate     *time.Time      `json:"due_date"`
}

// UpdateFields carries a partial update; nil fields are left untouched.
type UpdateFields struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Priority    *models.Priority `json:"priority"`
	Status      *models.Status   `json:"status"`
	DueDate     *time.Time       `json:"due_date"`
}

// Service is the owner-scoped task store. Every successful mutation emits
// exactly one change event through the notifier after the row change commits.
type Service struct {
	db       *sql.DB
	notifier realtime.Notifier

	// publishMu spans each mutation's commit and its publish call, so
	// events leave in commit order even under concurrent mutations.
	publishMu sync.Mutex
}

// NewService builds a task store publishing change events to the notifier.
func NewService(db *sql.DB, notifier realtime.Notifier) *Service {
	return &Service{db: db, notifier: notifier}
}

// List returns all tasks owned by userID, newest first.
func (s *Service) List(ctx context.Context, userID int64) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, priority, status, due_date, created_at, updated_at
		 FROM tasks WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.DueDate, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Create validates the fields and persists a new task owned by userID.
func (s *Service) Create(ctx context.Context, userID int64, fields CreateFields) (*models.Task, error) {
	title := strings.TrimSpace(fields.Title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "title is required"}
	}
	priority := fields.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", string(fields.Priority))}
	}
	status := fields.Status
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", string(fields.Status))}
	}

	now := time.Now().UTC()
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, priority, status, due_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, title, fields.Description, priority, status, fields.DueDate, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	t := &models.Task{
		ID:          id,
		UserID:      userID,
		Title:       title,
		Description: fields.Description,
		Priority:    priority,
		Status:      status,
		DueDate:     fields.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.publish(realtime.Event{UserID: userID, Kind: realtime.KindCreated, TaskID: id})
	return t, nil
}

// Update applies the supplied fields to the task if it exists and is owned by
// userID. A missing task and a task owned by someone else both return
// sql.ErrNoRows, indistinguishable to the caller.
func (s *Service) Update(ctx context.Context, userID, taskID int64, fields UpdateFields) (t *models.Task, err error) {
	if fields.Priority != nil && !fields.Priority.Valid() {
		return nil, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", string(*fields.Priority))}
	}
	if fields.Status != nil && !fields.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", string(*fields.Status))}
	}
	if fields.Title != nil && strings.TrimSpace(*fields.Title) == "" {
		return nil, &ValidationError{Field: "title", Message: "title is required"}
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	t = new(models.Task)
	err = tx.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, priority, status, due_date, created_at, updated_at
		 FROM tasks WHERE id = ? AND user_id = ?`,
		taskID, userID,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.DueDate, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	if fields.Title != nil {
		t.Title = strings.TrimSpace(*fields.Title)
	}
	if fields.Description != nil {
		t.Description = *fields.Description
	}
	if fields.Priority != nil {
		t.Priority = *fields.Priority
	}
	if fields.Status != nil {
		t.Status = *fields.Status
	}
	if fields.DueDate != nil {
		t.DueDate = fields.DueDate
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, priority = ?, status = ?, due_date = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		t.Title, t.Description, t.Priority, t.Status, t.DueDate, t.UpdatedAt, taskID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update task: %w", err)
	}
	s.publish(realtime.Event{UserID: userID, Kind: realtime.KindUpdated, TaskID: taskID})
	return t, nil
}

// Delete removes the task under the same unified ownership check as Update.
func (s *Service) Delete(ctx context.Context, userID, taskID int64) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.publish(realtime.Event{UserID: userID, Kind: realtime.KindDeleted, TaskID: taskID})
	return nil
}

func (s *Service) publish(ev realtime.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ev)
}
