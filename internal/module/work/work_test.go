package work

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plexmem/plexmem/pkg/models"
)

func TestEnrichExtractsProjectAndDueDate(t *testing.T) {
	meta := Enrich("[atlas] finish the migration plan, due: 2026-09-15", map[string]any{})

	assert.Equal(t, "atlas", meta["project"])
	assert.Equal(t, "2026-09-15", meta["dueDate"])
	assert.Equal(t, "open", meta["status"])
	assert.Equal(t, 0.8, meta[models.MetaImportance])
	assert.Contains(t, meta[models.MetaCategories], "atlas")
}

func TestEnrichBlockedOutranksDone(t *testing.T) {
	meta := Enrich("review is done but deploy is blocked on infra", map[string]any{})

	assert.Equal(t, "blocked", meta["status"])
	assert.Equal(t, 0.9, meta[models.MetaImportance])
}

func TestEnrichIgnoresInvalidDate(t *testing.T) {
	meta := Enrich("report due: 2026-13-45 apparently", map[string]any{})
	_, ok := meta["dueDate"]
	assert.False(t, ok)
}

func TestEnrichProjectTagForms(t *testing.T) {
	assert.Equal(t, "hermes", Enrich("sync notes for project: Hermes", map[string]any{})["project"])
	assert.Equal(t, "roadmap", Enrich("see #roadmap for details", map[string]any{})["project"])
}

func TestEnrichKeepsCallerProject(t *testing.T) {
	meta := Enrich("[atlas] standup notes", map[string]any{"project": "zeus"})
	assert.Equal(t, "zeus", meta["project"])
}

func TestEnrichIsIdempotent(t *testing.T) {
	content := "working on the atlas rollout, deadline: 2026-10-01"
	once := Enrich(content, map[string]any{})

	twice := make(map[string]any, len(once))
	for k, v := range once {
		twice[k] = v
	}
	assert.Equal(t, once, Enrich(content, twice))
}
