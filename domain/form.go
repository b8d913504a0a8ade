package domain

import (
	"sort"
	"strings"
)

// NewTaskForm is the raw input of the create-task modal.
type NewTaskForm struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Deadline    string `json:"deadline"`
}

// NewTask is a validated creation request as sent to the task API.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Deadline    *Date    `json:"deadline,omitempty"`
	Status      Status   `json:"status"`
}

// ValidationError maps each rejected field to a message.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

// Validate checks the form and builds the creation request. New tasks always
// start in the todo column.
func (f NewTaskForm) Validate() (NewTask, error) {
	fields := map[string]string{}

	title := strings.TrimSpace(f.Title)
	if title == "" {
		fields["title"] = "title is required"
	}

	priority := Priority(strings.ToLower(strings.TrimSpace(f.Priority)))
	if priority == "" {
		priority = DefaultPriority
	} else if !priority.Valid() {
		fields["priority"] = "priority must be one of low, medium, high"
	}

	var deadline *Date
	if raw := strings.TrimSpace(f.Deadline); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			fields["deadline"] = err.Error()
		} else {
			deadline = &d
		}
	}

	if len(fields) > 0 {
		return NewTask{}, &ValidationError{Fields: fields}
	}
	return NewTask{
		Title:       title,
		Description: strings.TrimSpace(f.Description),
		Priority:    priority,
		Deadline:    deadline,
		Status:      StatusTodo,
	}, nil
}
