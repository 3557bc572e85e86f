package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/sizing"
)

// ExpandedEntry is one concrete, resolved migration: a vm_pattern has
// been matched to a real vm_name/uuid, and defaults have been merged in.
// Expand resolves patterns against whatever inventory it is given and
// the result is not written back to the plan file: `batch estimate`,
// `batch run` and `batch resume` each list vCenter and expand again at
// run time, so a pattern can resolve to a different VM set than it did
// when the plan was generated.
type ExpandedEntry struct {
	VMName       string
	VMUUID       string
	TargetTypeID string
	Zone         string
	Strategy     string
	Priority     int
	Wave         string
	Tags         map[string]string
	Overrides    map[string]string
	GuestOS      models.GuestOSFamily
	ESXiHost     string

	Unmappable bool
	Warning    string
}

// ExpandedPlan is the frozen, ready-to-run result of Expand.
type ExpandedPlan struct {
	Entries     []ExpandedEntry
	Quarantined []ExpandedEntry // Unmappable entries, kept for reporting but not scheduled
}

func effectiveStrategy(p *Plan, m MigrationEntry) string {
	if m.SizingStrategy != "" {
		return m.SizingStrategy
	}
	if p.Defaults.SizingStrategy != "" {
		return p.Defaults.SizingStrategy
	}
	return string(sizing.StrategyExact)
}

func effectiveZone(p *Plan, m MigrationEntry) string {
	if m.Zone != "" {
		return m.Zone
	}
	return p.Defaults.Zone
}

func effectiveTags(p *Plan, m MigrationEntry) map[string]string {
	merged := make(map[string]string, len(p.Defaults.Tags)+len(m.Tags))
	for k, v := range p.Defaults.Tags {
		merged[k] = v
	}
	for k, v := range m.Tags {
		merged[k] = v
	}
	return merged
}

// Expand matches vm_pattern/vm_name selectors against the filtered
// inventory, merges defaults, resolves target types (auto-sizing when a
// migration entry omits target), applies the exclude list, and
// de-duplicates VMs matched by more than one entry by priority (lower
// wins, ties broken by plan order).
func Expand(p *Plan, inventory []models.VMDescriptor, cat *catalogue.Catalogue) (*ExpandedPlan, error) {
	byUUID := make(map[string]models.VMDescriptor, len(inventory))
	for _, vm := range inventory {
		byUUID[vm.UUID] = vm
	}

	excluded, err := excludedUUIDs(p.Exclude, inventory)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		entryIndex int
		entry      MigrationEntry
		vm         models.VMDescriptor
	}
	// best[uuid] holds the winning candidate seen so far.
	best := make(map[string]candidate)

	for idx, m := range p.Migrations {
		matches, err := matchSelector(m.Selector, inventory)
		if err != nil {
			return nil, err
		}
		for _, vm := range matches {
			if excluded[vm.UUID] {
				continue
			}
			cur, exists := best[vm.UUID]
			if !exists {
				best[vm.UUID] = candidate{entryIndex: idx, entry: m, vm: vm}
				continue
			}
			// Lower priority integer wins; ties keep the earlier plan
			// entry.
			if m.Priority < cur.entry.Priority ||
				(m.Priority == cur.entry.Priority && idx < cur.entryIndex) {
				best[vm.UUID] = candidate{entryIndex: idx, entry: m, vm: vm}
			}
		}
	}

	// Deterministic output order: by the winning entry's plan index,
	// then by VM name.
	ordered := make([]candidate, 0, len(best))
	for _, c := range best {
		ordered = append(ordered, c)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].entryIndex != ordered[j].entryIndex {
			return ordered[i].entryIndex < ordered[j].entryIndex
		}
		return ordered[i].vm.Name < ordered[j].vm.Name
	})

	result := &ExpandedPlan{}
	for _, c := range ordered {
		ee := ExpandedEntry{
			VMName:    c.vm.Name,
			VMUUID:    c.vm.UUID,
			Zone:      effectiveZone(p, c.entry),
			Strategy:  effectiveStrategy(p, c.entry),
			Priority:  c.entry.Priority,
			Wave:      c.entry.Wave,
			Tags:      effectiveTags(p, c.entry),
			Overrides: c.entry.Overrides,
			GuestOS:   c.vm.GuestOSFamily,
			ESXiHost:  c.vm.Topology.Host,
		}

		if c.entry.TargetTypeID != "" {
			ee.TargetTypeID = c.entry.TargetTypeID
		} else {
			sr := sizing.Select(c.vm, sizing.Strategy(ee.Strategy), cat, sizing.DefaultHeadroom)
			if sr.Unmappable {
				ee.Unmappable = true
			} else {
				ee.TargetTypeID = sr.Chosen
				if sr.FellBackToExact {
					ee.Warning = "optimize strategy found no candidate with required headroom; fell back to exact"
				}
			}
		}

		if !ee.Unmappable {
			t, ok := cat.Get(ee.TargetTypeID)
			if !ok {
				ee.Unmappable = true
			} else if c.vm.GuestOSFamily == models.GuestOSWindows && !t.WindowsAllowed {
				return nil, apperrors.NewValidationError(fmt.Sprintf(
					"vm %s is Windows but resolved type %s does not allow Windows", c.vm.Name, ee.TargetTypeID))
			}
		}

		if ee.Unmappable {
			result.Quarantined = append(result.Quarantined, ee)
			continue
		}
		result.Entries = append(result.Entries, ee)
	}

	if err := checkWaveSelectorsDisjoint(p.Waves, result.Entries); err != nil {
		return nil, err
	}

	return result, nil
}

// checkWaveSelectorsDisjoint requires wave selectors to be disjoint: a wave's
// optional SelectorPatterns must not also match a VM assigned to a
// different wave, once exclusions have been applied.
func checkWaveSelectorsDisjoint(waves []Wave, entries []ExpandedEntry) error {
	patterned := make([]Wave, 0, len(waves))
	for _, w := range waves {
		if len(w.SelectorPatterns) > 0 {
			patterned = append(patterned, w)
		}
	}
	if len(patterned) < 2 {
		return nil
	}
	for _, e := range entries {
		var matchedWaves []string
		for _, w := range patterned {
			for _, pat := range w.SelectorPatterns {
				ok, _ := path.Match(pat, e.VMName)
				if ok && w.Name != e.Wave {
					matchedWaves = append(matchedWaves, w.Name)
					break
				}
			}
		}
		if len(matchedWaves) > 0 {
			return apperrors.NewValidationError(fmt.Sprintf(
				"vm %s assigned to wave %s also matches selector patterns of wave(s) %v", e.VMName, e.Wave, matchedWaves))
		}
	}
	return nil
}

func matchSelector(s Selector, inventory []models.VMDescriptor) ([]models.VMDescriptor, error) {
	if s.Name != "" {
		for _, vm := range inventory {
			if vm.Name == s.Name {
				return []models.VMDescriptor{vm}, nil
			}
		}
		return nil, nil
	}
	var out []models.VMDescriptor
	for _, vm := range inventory {
		ok, err := path.Match(s.Pattern, vm.Name)
		if err != nil {
			return nil, apperrors.NewValidationError("invalid vm_pattern " + s.Pattern + ": " + err.Error())
		}
		if ok {
			out = append(out, vm)
		}
	}
	return out, nil
}

func excludedUUIDs(excludes []Selector, inventory []models.VMDescriptor) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, e := range excludes {
		matches, err := matchSelector(e, inventory)
		if err != nil {
			return nil, err
		}
		for _, vm := range matches {
			out[vm.UUID] = true
		}
	}
	return out, nil
}

// Digest returns a stable hash of the plan's contents, stored on
// BatchState so a resume can detect that the plan file changed under it.
func Digest(p *Plan) string {
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}
