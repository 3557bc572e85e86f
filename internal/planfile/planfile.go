// Package planfile implements the YAML encoding of a migration plan:
// parsing rejects unknown top-level keys, and Marshal round-trips
// a parsed plan back to YAML.
package planfile

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/scw-migrate/migrator/internal/plan"
)

// knownTopLevelKeys is the closed set of plan keys; the parser rejects
// any other top-level key.
var knownTopLevelKeys = map[string]bool{
	"version": true, "metadata": true, "defaults": true, "concurrency": true,
	"migrations": true, "exclude": true, "waves": true, "post_migration": true,
}

// Parse decodes YAML bytes into a Plan, rejecting unknown top-level
// keys.
func Parse(data []byte) (*plan.Plan, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing plan yaml: %w", err)
	}
	for key := range raw {
		if !knownTopLevelKeys[key] {
			return nil, fmt.Errorf("unknown plan key %q", key)
		}
	}

	var p plan.Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding plan yaml: %w", err)
	}
	return &p, nil
}

// Marshal serializes a Plan back to YAML, for `inventory-plan` output.
// Marshal(Parse(y)) preserves y up to formatting.
func Marshal(p *plan.Plan) ([]byte, error) {
	return yaml.Marshal(p)
}
