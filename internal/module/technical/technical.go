// Package technical stores code snippets, debugging notes, and system
// knowledge. Enrichment detects the language and framework mentioned
// and fingerprints error messages so repeated incidents cluster.
package technical

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleID is the stable registry id.
const ModuleID = "technical"

// New builds the technical module over the shared base.
func New(deps module.Deps) *module.Base {
	cfg := models.ModuleConfig{
		ID:          ModuleID,
		Name:        "Technical Memory",
		Description: "Code snippets, debugging sessions, and system knowledge",
		Metadata: models.ConfigMetadata{
			SearchableFields: []string{"language", "framework", "severity"},
			IndexedFields:    []string{"language"},
		},
	}
	return module.NewBase(models.ModuleTypeSpecialised, cfg, deps, Enrich, nil, nil)
}

var languageMarkers = map[string][]string{
	"go":         {"```go", "goroutine", "func ", "golang", "go.mod"},
	"python":     {"```python", "def ", "import numpy", "pip install", "traceback"},
	"javascript": {"```js", "```javascript", "const ", "npm install", "node_modules"},
	"rust":       {"```rust", "cargo ", "fn main", "borrow checker"},
	"sql":        {"```sql", "select ", "insert into", "create table"},
	"shell":      {"```bash", "```sh", "#!/bin", "chmod ", "systemctl"},
}

var frameworkMarkers = map[string][]string{
	"gin":        {"gin.", "gin-gonic"},
	"chi":        {"chi.router", "go-chi"},
	"react":      {"usestate", "useeffect", "jsx"},
	"django":     {"django", "manage.py"},
	"gorm":       {"gorm.", "gorm.io"},
	"kubernetes": {"kubectl", "kubelet", "k8s"},
}

var errLineRe = regexp.MustCompile(`(?im)^.*(error|panic|exception|fatal|traceback).*$`)

// Enrich derives the technical metadata. Pure and idempotent;
// caller-supplied keys are never overwritten.
func Enrich(content string, meta map[string]any) map[string]any {
	lower := strings.ToLower(content)

	if _, ok := meta["language"]; !ok {
		if lang := detect(lower, languageMarkers); lang != "" {
			meta["language"] = lang
		}
	}
	if _, ok := meta["framework"]; !ok {
		if fw := detect(lower, frameworkMarkers); fw != "" {
			meta["framework"] = fw
		}
	}

	severity := "info"
	switch {
	case strings.Contains(lower, "panic") || strings.Contains(lower, "fatal") || strings.Contains(lower, "data loss"):
		severity = "critical"
	case strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "fail"):
		severity = "error"
	case strings.Contains(lower, "warn") || strings.Contains(lower, "deprecated"):
		severity = "warning"
	}
	if _, ok := meta["severity"]; !ok {
		meta["severity"] = severity
	}

	// Fingerprint the first error-looking line so recurring incidents
	// share a hash regardless of surrounding prose.
	if _, ok := meta["errorPattern"]; !ok {
		if line := errLineRe.FindString(content); line != "" {
			sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(line))))
			meta["errorPattern"] = hex.EncodeToString(sum[:8])
		}
	}

	if _, ok := meta[models.MetaCategories]; !ok {
		cats := []string{"technical"}
		if lang, ok := meta["language"].(string); ok {
			cats = append(cats, lang)
		}
		meta[models.MetaCategories] = cats
	}
	if _, ok := meta[models.MetaImportance]; !ok {
		switch severity {
		case "critical":
			meta[models.MetaImportance] = 0.9
		case "error":
			meta[models.MetaImportance] = 0.7
		default:
			meta[models.MetaImportance] = 0.5
		}
	}
	return meta
}

func detect(lower string, markers map[string][]string) string {
	best, bestHits := "", 0
	for name, needles := range markers {
		hits := 0
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && name < best) {
			best, bestHits = name, hits
		}
	}
	return best
}
