// Package personal stores journal entries, preferences, and life
// events. Enrichment classifies mood and life area and flags content
// that looks sensitive.
package personal

import (
	"strings"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "personal"

// New builds the personal module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Personal Memory",
		Description: "Journal entries, preferences, and life events",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"mood", "lifeArea"},
			IndexedFields:    []string{"lifeArea"},
		},
	}
	return module.NewBase(models.ModuleTypeSpecialised, cfg, deps, Enrich, nil, nil)
}

var moodMarkers = map[string][]string{
	"positive": {"happy", "excited", "grateful", "proud", "wonderful", "great day"},
	"negative": {"sad", "angry", "frustrated", "anxious", "worried", "terrible"},
	"tired":    {"exhausted", "tired", "drained", "burnt out", "burned out"},
}

var lifeAreaMarkers = map[string][]string{
	"health":        {"doctor", "workout", "sleep", "diet", "medication", "therapy"},
	"family":        {"mom", "dad", "sister", "brother", "kids", "parents"},
	"relationships": {"friend", "partner", "date", "wedding", "anniversary"},
	"finance":       {"salary", "rent", "mortgage", "savings", "invoice", "budget"},
	"home":          {"apartment", "house", "move", "furniture", "repair"},
}

var sensitiveMarkers = []string{
	"password", "diagnosis", "medication", "salary", "ssn", "passport",
	"therapy", "divorce", "debt",
}

// Enrich derives mood, life area, and the sensitivity flag. Pure and
// idempotent; caller-supplied keys win.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["mood"]; !ok {
		if mood := firstMatch(lower, moodMarkers); mood != "" {
			meta["mood"] = mood
		} else {
			meta["mood"] = "neutral"
		}
	}
	if _, ok := meta["lifeArea"]; !ok {
		if area := firstMatch(lower, lifeAreaMarkers); area != "" {
			meta["lifeArea"] = area
		}
	}

	sensitive := false
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			sensitive = true
			break
		}
	}
	if _, ok := meta["sensitive"]; !ok {
		meta["sensitive"] = sensitive
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		cats := []string{"personal"}
		if area, ok := meta["lifeArea"].(string); ok {
			cats = append(cats, area)
		}
		meta[models.MetaCategories] = cats
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		// Sensitive entries matter more at recall time.
		if sensitive {
			meta[models.MetaImportance] = 0.8
		} else {
			meta[models.MetaImportance] = 0.5
		}
	}
	return meta
}

// firstMatch returns the alphabetically first group with a hit, so the
// classification is stable for a given content.
func firstMatch(lower string, markers map[string][]string) string {
	best := ""
	for name, needles := range markers {
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				if best == "" || name < best {
					best = name
				}
				break
			}
		}
	}
	return best
}
