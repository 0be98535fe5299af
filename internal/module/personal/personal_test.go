package personal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plexmem/plexmem/pkg/models"
)

func TestEnrichClassifiesMoodAndArea(t *testing.T) {
	meta := Enrich("So excited, the workout this morning felt great", map[string]any{})

	assert.Equal(t, "positive", meta["mood"])
	assert.Equal(t, "health", meta["lifeArea"])
	assert.Equal(t, false, meta["sensitive"])
	assert.Contains(t, meta[models.MetaCategories], "health")
}

func TestEnrichFlagsSensitiveContent(t *testing.T) {
	meta := Enrich("started new medication after the diagnosis", map[string]any{})

	assert.Equal(t, true, meta["sensitive"])
	assert.Equal(t, 0.8, meta[models.MetaImportance])
}

func TestEnrichDefaultsToNeutral(t *testing.T) {
	meta := Enrich("bought groceries on the way back", map[string]any{})
	assert.Equal(t, "neutral", meta["mood"])
}

func TestEnrichKeepsCallerMood(t *testing.T) {
	meta := Enrich("terrible traffic today", map[string]any{"mood": "calm"})
	assert.Equal(t, "calm", meta["mood"])
}

func TestEnrichIsIdempotent(t *testing.T) {
	content := "anxious about the mortgage payment this month"
	once := Enrich(content, map[string]any{})

	twice := make(map[string]any, len(once))
	for k, v := range once {
		twice[k] = v
	}
	assert.Equal(t, once, Enrich(content, twice))
}
