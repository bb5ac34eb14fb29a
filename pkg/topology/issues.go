package topology

import (
	"fmt"
	"strings"
	"sync"
)

// Level orders issues by how far from the template text the problem lies.
type Level int

const (
	LevelPlatform Level = iota
	LevelSyntax
	LevelField
	LevelBetweenFields
	LevelBetweenTypes
	LevelBetweenInstances
	LevelExternal
)

var levelNames = map[Level]string{
	LevelPlatform:         "platform",
	LevelSyntax:           "syntax",
	LevelField:            "field",
	LevelBetweenFields:    "between_fields",
	LevelBetweenTypes:     "between_types",
	LevelBetweenInstances: "between_instances",
	LevelExternal:         "external",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Issue is one non-fatal problem found while instantiating a template.
type Issue struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Level, i.Message)
}

// Issues collects reported problems. It is safe for concurrent use.
type Issues struct {
	mu   sync.Mutex
	list []Issue
}

// Report records an issue.
func (r *Issues) Report(level Level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, Issue{Level: level, Message: fmt.Sprintf(format, args...)})
}

// List returns the issues in report order.
func (r *Issues) List() []Issue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Issue, len(r.list))
	copy(out, r.list)
	return out
}

// Len returns the number of issues.
func (r *Issues) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// Err folds the issues into a single error, or returns nil when there are
// none.
func (r *Issues) Err() error {
	list := r.List()
	if len(list) == 0 {
		return nil
	}
	return &IssuesError{Issues: list}
}

// IssuesError carries every issue of a failed instantiation.
type IssuesError struct {
	Issues []Issue
}

func (e *IssuesError) Error() string {
	lines := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		lines = append(lines, issue.String())
	}
	return fmt.Sprintf("%d validation issue(s):\n%s", len(e.Issues), strings.Join(lines, "\n"))
}
