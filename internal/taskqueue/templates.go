package taskqueue

import (
	"sort"

	"github.com/hochfrequenz/limitwatch/internal/domain"
)

// Template pre-fills a queued task with a persona, working guidelines,
// and post commands to run once the task is done.
type Template struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Persona      string   `json:"persona_prompt"`
	Guidelines   []string `json:"guidelines"`
	PostCommands []string `json:"post_commands"`
}

// Apply builds a task from this template and a description
func (t *Template) Apply(description string) *domain.QueuedTask {
	task := domain.NewQueuedTask(description)
	task.TemplateID = t.ID
	task.Persona = t.Persona
	task.Guidelines = append([]string(nil), t.Guidelines...)
	task.PostCommands = append([]string(nil), t.PostCommands...)
	return task
}

var builtinTemplates = map[string]*Template{
	"backend-feature": {
		ID:      "backend-feature",
		Name:    "Backend feature work",
		Persona: "You are a senior backend engineer. Work incrementally, keep the build green, and prefer small reviewable commits.",
		Guidelines: []string{
			"Run the existing test suite before and after your changes",
			"Follow the error handling conventions already in the codebase",
			"Add tests for every new code path",
		},
		PostCommands: []string{
			"git status",
			"git diff --stat",
		},
	},
	"devops-incident": {
		ID:      "devops-incident",
		Name:    "Operations incident response",
		Persona: "You are an on-call operations engineer. Diagnose before changing anything, and write down what you observe as you go.",
		Guidelines: []string{
			"Check logs and recent deploys before touching configuration",
			"Prefer reversible mitigations over permanent fixes under pressure",
			"Record a timeline of observations and actions",
		},
		PostCommands: []string{
			"git log --oneline -5",
		},
	},
	"frontend-polish": {
		ID:      "frontend-polish",
		Name:    "Frontend polish pass",
		Persona: "You are a frontend engineer focused on fit and finish. Keep changes visual and behavioral, not architectural.",
		Guidelines: []string{
			"Match the existing component and styling conventions",
			"Verify keyboard navigation and focus states still work",
			"Keep bundle size in mind when adding dependencies",
		},
		PostCommands: []string{
			"git diff --stat",
		},
	},
}

// FindTemplate looks up a builtin template by ID
func FindTemplate(id string) (*Template, bool) {
	t, ok := builtinTemplates[id]
	return t, ok
}

// Templates returns all builtin templates sorted by ID
func Templates() []*Template {
	out := make([]*Template, 0, len(builtinTemplates))
	for _, t := range builtinTemplates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
