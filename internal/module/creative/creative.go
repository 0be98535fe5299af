// Package creative stores ideas, drafts, and works in progress.
// Enrichment classifies the kind of work, its medium and stage, and
// estimates how far along it is.
package creative

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "creative"

// New builds the creative module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Creative Memory",
		Description: "Ideas, drafts, and works in progress",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"kind", "medium", "stage"},
			IndexedFields:    []string{"kind"},
		},
	}
	return module.NewBase(models.ModuleTypeStandard, cfg, deps, Enrich, nil, nil)
}

var kindMarkers = []struct {
	kind    string
	needles []string
}{
	{"story", []string{"story", "chapter", "plot", "character", "novel"}},
	{"poem", []string{"poem", "verse", "stanza", "haiku"}},
	{"song", []string{"song", "lyrics", "melody", "chorus"}},
	{"visual", []string{"sketch", "painting", "mural", "illustration", "design"}},
	{"idea", []string{"idea", "concept", "what if", "brainstorm"}},
}

var stageMarkers = []struct {
	stage   string
	needles []string
}{
	{"finished", []string{"finished", "final", "published", "complete"}},
	{"revision", []string{"revision", "editing", "rewrite", "second draft"}},
	{"draft", []string{"draft", "work in progress", "wip", "rough"}},
	{"concept", []string{"idea", "concept", "outline", "brainstorm"}},
}

// completionRe matches an explicit "40% done" style marker.
var completionRe = regexp.MustCompile(`(\d{1,3})\s*%`)

// Enrich derives kind, medium, stage, and completion. Pure and
// idempotent; caller-supplied keys win.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["kind"]; !ok {
		kind := "idea"
		for _, group := range kindMarkers {
			if containsAny(lower, group.needles) {
				kind = group.kind
				break
			}
		}
		meta["kind"] = kind
	}

	if _, ok := meta["medium"]; !ok {
		switch meta["kind"] {
		case "visual":
			meta["medium"] = "image"
		case "song":
			meta["medium"] = "audio"
		default:
			meta["medium"] = "text"
		}
	}

	stage := "concept"
	for _, group := range stageMarkers {
		if containsAny(lower, group.needles) {
			stage = group.stage
			break
		}
	}
	if _, ok := meta["stage"]; !ok {
		meta["stage"] = stage
	}

	if _, ok := meta["completion"]; !ok {
		completion := stageCompletion(stage)
		if m := completionRe.FindStringSubmatch(lower); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
				completion = float64(pct) / 100
			}
		}
		meta["completion"] = completion
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		cats := []string{"creative"}
		if kind, ok := meta["kind"].(string); ok {
			cats = append(cats, kind)
		}
		meta[models.MetaCategories] = cats
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		// Active work ranks above both stale concepts and finished pieces.
		switch stage {
		case "draft", "revision":
			meta[models.MetaImportance] = 0.7
		default:
			meta[models.MetaImportance] = 0.5
		}
	}
	return meta
}

func stageCompletion(stage string) float64 {
	switch stage {
	case "finished":
		return 1.0
	case "revision":
		return 0.75
	case "draft":
		return 0.4
	default:
		return 0.1
	}
}

func containsAny(lower string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
