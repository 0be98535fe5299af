package creative

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plexmem/plexmem/pkg/models"
)

func TestEnrichClassifiesStoryDraft(t *testing.T) {
	meta := Enrich("second chapter of the novel, still a rough draft", map[string]any{})

	assert.Equal(t, "story", meta["kind"])
	assert.Equal(t, "text", meta["medium"])
	assert.Equal(t, "draft", meta["stage"])
	assert.Equal(t, 0.4, meta["completion"])
	assert.Equal(t, 0.7, meta[models.MetaImportance])
	assert.Contains(t, meta[models.MetaCategories], "story")
}

func TestEnrichExplicitCompletionWins(t *testing.T) {
	meta := Enrich("mural sketch, about 60% done", map[string]any{})

	assert.Equal(t, "visual", meta["kind"])
	assert.Equal(t, "image", meta["medium"])
	assert.Equal(t, 0.6, meta["completion"])
}

func TestEnrichFinishedPiece(t *testing.T) {
	meta := Enrich("final version of the haiku, published today", map[string]any{})

	assert.Equal(t, "poem", meta["kind"])
	assert.Equal(t, "finished", meta["stage"])
	assert.Equal(t, 1.0, meta["completion"])
}

func TestEnrichDefaultsToIdea(t *testing.T) {
	meta := Enrich("something about clouds", map[string]any{})
	assert.Equal(t, "idea", meta["kind"])
	assert.Equal(t, "concept", meta["stage"])
}

func TestEnrichKeepsCallerStage(t *testing.T) {
	meta := Enrich("rough draft of the chorus", map[string]any{"stage": "revision"})
	assert.Equal(t, "revision", meta["stage"])
}

func TestEnrichIsIdempotent(t *testing.T) {
	content := "rewrite of the second stanza, editing pass"
	once := Enrich(content, map[string]any{})

	twice := make(map[string]any, len(once))
	for k, v := range once {
		twice[k] = v
	}
	assert.Equal(t, once, Enrich(content, twice))
}
