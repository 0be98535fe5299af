// Package work stores tasks, meeting notes, and project context.
// Enrichment extracts the project tag, a due date when one is written
// down, and the task status.
package work

import (
	"regexp"
	"strings"
	"time"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "work"

// New builds the work module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Work Memory",
		Description: "Tasks, meeting notes, and project context",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"project", "status", "dueDate"},
			IndexedFields:    []string{"project", "status"},
		},
	}
	return module.NewBase(models.ModuleTypeStandard, cfg, deps, Enrich, nil, nil)
}

// projectRe matches "project: name", "[name]" prefixes, and #name tags.
var projectRe = regexp.MustCompile(`(?i)(?:project[:\s]+([\w-]+)|^\[([\w-]+)\]|#([\w-]+))`)

// dueRe matches ISO dates after a due/deadline/by marker.
var dueRe = regexp.MustCompile(`(?i)(?:due|deadline|by)[:\s]+(\d{4}-\d{2}-\d{2})`)

// statusMarkers are checked in order; the first hit wins so the
// derivation is deterministic.
var statusMarkers = []struct {
	status  string
	needles []string
}{
	{"blocked", []string{"blocked", "waiting on", "on hold", "stuck"}},
	{"done", []string{"done", "completed", "shipped", "closed", "resolved"}},
	{"inprogress", []string{"in progress", "working on", "started", "wip"}},
}

// Enrich derives the work metadata. Pure and idempotent;
// caller-supplied keys win.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["project"]; !ok {
		if m := projectRe.FindStringSubmatch(content); m != nil {
			for _, group := range m[1:] {
				if group != "" {
					meta["project"] = strings.ToLower(group)
					break
				}
			}
		}
	}

	if _, ok := meta["dueDate"]; !ok {
		if m := dueRe.FindStringSubmatch(content); m != nil {
			if _, err := time.Parse("2006-01-02", m[1]); err == nil {
				meta["dueDate"] = m[1]
			}
		}
	}

	if _, ok := meta["status"]; !ok {
		status := "open"
	scan:
		for _, group := range statusMarkers {
			for _, needle := range group.needles {
				if strings.Contains(lower, needle) {
					status = group.status
					break scan
				}
			}
		}
		meta["status"] = status
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		cats := []string{"work"}
		if project, ok := meta["project"].(string); ok {
			cats = append(cats, project)
		}
		meta[models.MetaCategories] = cats
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		imp := 0.5
		if _, due := meta["dueDate"]; due {
			imp = 0.8
		}
		if meta["status"] == "blocked" {
			imp = 0.9
		}
		meta[models.MetaImportance] = imp
	}
	return meta
}
