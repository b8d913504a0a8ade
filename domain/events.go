package domain

// Names of the realtime events the board consumes.
const (
	EventTaskCreated = "taskCreated"
	EventTaskUpdated = "taskUpdated"
	EventTaskDeleted = "taskDeleted"
)
