package technical

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plexmem/plexmem/pkg/models"
)

func TestEnrichDetectsLanguageAndSeverity(t *testing.T) {
	content := "```go\nfunc main() { panic(\"boom\") }\n```\npanic: runtime error"
	meta := Enrich(content, map[string]any{})

	assert.Equal(t, "go", meta["language"])
	assert.Equal(t, "critical", meta["severity"])
	assert.Equal(t, 0.9, meta[models.MetaImportance])
	assert.Contains(t, meta[models.MetaCategories], "go")
	assert.NotEmpty(t, meta["errorPattern"])
}

func TestEnrichKeepsCallerValues(t *testing.T) {
	meta := Enrich("pip install requests failed with an error", map[string]any{
		"language": "rust",
		"severity": "info",
	})

	assert.Equal(t, "rust", meta["language"])
	assert.Equal(t, "info", meta["severity"])
}

func TestEnrichSameErrorSharesFingerprint(t *testing.T) {
	a := Enrich("deploy log\nERROR: connection refused to db:5432", map[string]any{})
	b := Enrich("retry attempt\nerror: connection refused to db:5432", map[string]any{})
	assert.Equal(t, a["errorPattern"], b["errorPattern"])
}

func TestEnrichIsIdempotent(t *testing.T) {
	content := "kubectl rollout failed, error from kubelet"
	once := Enrich(content, map[string]any{})
	twice := Enrich(content, cloned(once))
	assert.Equal(t, once, twice)
}

func cloned(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
