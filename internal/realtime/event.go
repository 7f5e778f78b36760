package realtime

// Kind identifies the mutation a change event describes. The values double
// as the outbound websocket event names.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Event records that a task mutation committed. Events are ephemeral: they
// are never persisted and never replayed.
type Event struct {
	UserID int64 `json:"user_id"`
	Kind   Kind  `json:"kind"`
	TaskID int64 `json:"task_id"`
}

// Notifier is the process-wide publish point for change events. Publish
// never blocks and never fails because of subscriber state.
type Notifier interface {
	Publish(Event)
}
