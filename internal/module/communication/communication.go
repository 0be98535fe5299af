// Package communication stores messages, emails, and conversation
// context. Enrichment tags the sender and recipients, groups messages
// into threads, and classifies emotional tone.
package communication

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "communication"

// New builds the communication module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Communication Memory",
		Description: "Messages, emails, and conversation context",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"sender", "recipients", "threadId", "tone"},
			IndexedFields:    []string{"threadId"},
		},
	}
	return module.NewBase(models.ModuleTypeStandard, cfg, deps, Enrich, nil, []string{"personal"})
}

var (
	fromRe    = regexp.MustCompile(`(?im)^from[:\s]+([^\n<]+?)(?:\s*<[^>]+>)?\s*$`)
	toRe      = regexp.MustCompile(`(?im)^to[:\s]+(.+)$`)
	subjectRe = regexp.MustCompile(`(?im)^(?:subject|re|fwd?)[:\s]+(.+)$`)
)

var toneMarkers = []struct {
	tone    string
	needles []string
}{
	{"urgent", []string{"urgent", "asap", "immediately", "right away"}},
	{"negative", []string{"disappointed", "unacceptable", "complaint", "frustrated"}},
	{"positive", []string{"thanks", "thank you", "appreciate", "congrats", "great news"}},
}

// Enrich derives sender, recipients, thread id, and tone. Pure and
// idempotent; caller-supplied keys win.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["sender"]; !ok {
		if m := fromRe.FindStringSubmatch(content); m != nil {
			meta["sender"] = strings.ToLower(strings.TrimSpace(m[1]))
		}
	}
	if _, ok := meta["recipients"]; !ok {
		if m := toRe.FindStringSubmatch(content); m != nil {
			var recipients []string
			for _, part := range strings.Split(m[1], ",") {
				if name := strings.ToLower(strings.TrimSpace(part)); name != "" {
					recipients = append(recipients, name)
				}
			}
			if len(recipients) > 0 {
				meta["recipients"] = recipients
			}
		}
	}

	// Messages with the same normalised subject share a thread id.
	if _, ok := meta["threadId"]; !ok {
		if m := subjectRe.FindStringSubmatch(content); m != nil {
			subject := strings.ToLower(strings.TrimSpace(m[1]))
			sum := sha256.Sum256([]byte(subject))
			meta["threadId"] = hex.EncodeToString(sum[:8])
		}
	}

	tone := "neutral"
	for _, group := range toneMarkers {
		hit := false
		for _, needle := range group.needles {
			if strings.Contains(lower, needle) {
				hit = true
				break
			}
		}
		if hit {
			tone = group.tone
			break
		}
	}
	if _, ok := meta["tone"]; !ok {
		meta["tone"] = tone
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		meta[models.MetaCategories] = []string{"communication"}
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		if tone == "urgent" {
			meta[models.MetaImportance] = 0.9
		} else {
			meta[models.MetaImportance] = 0.5
		}
	}
	return meta
}
