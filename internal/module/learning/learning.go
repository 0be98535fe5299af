// Package learning stores study notes and tracks comprehension.
// Enrichment classifies the subject and difficulty and estimates how
// well the material is understood, flagging notes that need review.
package learning

import (
	"strings"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "learning"

// New builds the learning module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Learning Memory",
		Description: "Study notes, concepts, and comprehension tracking",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"subject", "difficulty"},
			IndexedFields:    []string{"subject"},
		},
	}
	return module.NewBase(models.ModuleTypeSpecialised, cfg, deps, Enrich, nil, []string{"technical"})
}

var subjectMarkers = []struct {
	subject string
	needles []string
}{
	{"mathematics", []string{"derivative", "integral", "theorem", "matrix", "equation", "calculus"}},
	{"programming", []string{"algorithm", "function", "compiler", "recursion", "data structure"}},
	{"language", []string{"vocabulary", "grammar", "conjugation", "pronunciation"}},
	{"science", []string{"molecule", "physics", "chemistry", "biology", "experiment"}},
	{"history", []string{"century", "revolution", "empire", "treaty"}},
}

var struggleMarkers = []string{
	"confused", "don't understand", "do not understand", "unclear",
	"lost me", "need to review", "struggling",
}

var masteryMarkers = []string{
	"makes sense now", "finally understand", "got it", "clear now", "mastered",
}

// Enrich derives subject, difficulty, understanding, and the
// review-needed flag. Pure and idempotent; caller keys win.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["subject"]; !ok {
		for _, group := range subjectMarkers {
			if containsAny(lower, group.needles) {
				meta["subject"] = group.subject
				break
			}
		}
	}

	struggling := containsAny(lower, struggleMarkers)
	mastered := containsAny(lower, masteryMarkers)

	if _, ok := meta["difficulty"]; !ok {
		switch {
		case struggling:
			meta["difficulty"] = "hard"
		case mastered:
			meta["difficulty"] = "easy"
		default:
			meta["difficulty"] = "medium"
		}
	}

	if _, ok := meta["understanding"]; !ok {
		understanding := 0.5
		if mastered {
			understanding = 0.9
		}
		if struggling {
			understanding = 0.2
		}
		meta["understanding"] = understanding
	}
	if _, ok := meta["reviewNeeded"]; !ok {
		meta["reviewNeeded"] = struggling
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		cats := []string{"learning"}
		if subject, ok := meta["subject"].(string); ok {
			cats = append(cats, subject)
		}
		meta[models.MetaCategories] = cats
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		// Material that still needs work should surface first.
		if struggling {
			meta[models.MetaImportance] = 0.8
		} else {
			meta[models.MetaImportance] = 0.5
		}
	}
	return meta
}

func containsAny(lower string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
