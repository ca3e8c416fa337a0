package domain

import (
	"strings"
	"time"
)

// QueuedTask is a piece of work handed to the child after the next
// successful restart. Tasks are plain prompt text plus optional template
// material supplied when the task was queued.
type QueuedTask struct {
	ID           string    `json:"task_id"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	TemplateID   string    `json:"template_id,omitempty"`
	Persona      string    `json:"persona_prompt,omitempty"`
	Guidelines   []string  `json:"guidelines,omitempty"`
	Notes        []string  `json:"notes,omitempty"`
	PostCommands []string  `json:"post_commands,omitempty"`
}

// NewQueuedTask creates a task from a description, trimming whitespace
func NewQueuedTask(description string) *QueuedTask {
	return &QueuedTask{
		ID:          NewQueueID(),
		Description: strings.TrimSpace(description),
		CreatedAt:   time.Now().UTC(),
	}
}

// Prompt renders the text sent to the child's stdin when the task is
// dispatched: persona first, then the description, then guidelines and
// notes. Post commands are operator hints and are not included.
func (t *QueuedTask) Prompt() string {
	var b strings.Builder
	if t.Persona != "" {
		b.WriteString(t.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString(t.Description)
	if len(t.Guidelines) > 0 {
		b.WriteString("\n\nGuidelines:\n")
		for _, g := range t.Guidelines {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	if len(t.Notes) > 0 {
		b.WriteString("\nNotes:\n")
		for _, n := range t.Notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Clone returns a deep copy of the task
func (t *QueuedTask) Clone() *QueuedTask {
	c := *t
	c.Guidelines = append([]string(nil), t.Guidelines...)
	c.Notes = append([]string(nil), t.Notes...)
	c.PostCommands = append([]string(nil), t.PostCommands...)
	return &c
}
