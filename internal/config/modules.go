package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/pkg/models"
)

// ModuleOverride is one entry of the modules file: a config patch for a
// catalogued module, or a switch to keep it out of the load set.
type ModuleOverride struct {
	Disabled bool `yaml:"disabled"`

	models.ModuleConfig `yaml:",inline"`
}

type modulesFile struct {
	Modules map[string]ModuleOverride `yaml:"modules"`
}

// LoadModules parses the per-module overrides file. A missing file
// yields an empty override set; a malformed one is an error so a bad
// edit cannot silently strip overrides.
func LoadModules(path string) (map[string]ModuleOverride, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ModuleOverride{}, nil
		}
		return nil, errs.Wrap(errs.KindFatal, err)
	}

	var f modulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err)
	}

	overrides := f.Modules
	if overrides == nil {
		overrides = map[string]ModuleOverride{}
	}
	for id, ov := range overrides {
		// The map key is authoritative; an explicit id field must agree.
		if ov.ID != "" && ov.ID != id {
			return nil, errs.New(errs.KindInvalid, "module %q declares mismatched id %q", id, ov.ID)
		}
		ov.ID = id
		overrides[id] = ov
	}
	return overrides, nil
}
