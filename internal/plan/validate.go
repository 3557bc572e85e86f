package plan

import (
	"fmt"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/filter"
)

// Validate checks the static plan invariants that don't require an
// inventory: selector shape, wave references, catalogue references, and
// exclude/migration name collisions. Windows/instance-type compatibility
// is checked during Expand, since it needs the matched VM's guest OS
// family.
func Validate(p *Plan, cat *catalogue.Catalogue) error {
	if p.Version != 1 {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported plan version %d", p.Version))
	}
	if len(p.Migrations) == 0 {
		return apperrors.NewValidationError("plan has no migrations")
	}

	waveNames := make(map[string]bool, len(p.Waves))
	for _, w := range p.Waves {
		if w.Name == "" {
			return apperrors.NewValidationError("wave with empty name")
		}
		if waveNames[w.Name] {
			return apperrors.NewValidationError("duplicate wave name " + w.Name)
		}
		waveNames[w.Name] = true
		switch w.PauseAfter {
		case PauseContinue, PausePause, PausePauseOnFailure:
		default:
			return apperrors.NewValidationError("wave " + w.Name + " has invalid pause_after " + string(w.PauseAfter))
		}
	}

	excludeNames := make(map[string]bool)
	var excludePatterns []string
	for _, e := range p.Exclude {
		if err := validateSelector(e); err != nil {
			return err
		}
		if e.Name != "" {
			excludeNames[e.Name] = true
		}
		if e.Pattern != "" {
			excludePatterns = append(excludePatterns, e.Pattern)
			if err := filter.Validate([]filter.Predicate{filter.NameGlob(e.Pattern)}); err != nil {
				return apperrors.NewValidationError(err.Error())
			}
		}
	}

	for i, m := range p.Migrations {
		if err := validateSelector(m.Selector); err != nil {
			return fmt.Errorf("migrations[%d]: %w", i, err)
		}
		if m.Wave == "" {
			return apperrors.NewValidationError(fmt.Sprintf("migrations[%d]: missing wave assignment", i))
		}
		if !waveNames[m.Wave] {
			return apperrors.NewValidationError(fmt.Sprintf("migrations[%d]: references unknown wave %q", i, m.Wave))
		}
		if m.Name != "" && excludeNames[m.Name] {
			return apperrors.NewValidationError(fmt.Sprintf("migrations[%d]: vm_name %q is also excluded", i, m.Name))
		}
		if m.TargetTypeID != "" {
			if _, ok := cat.Get(m.TargetTypeID); !ok {
				return apperrors.NewValidationError(fmt.Sprintf("migrations[%d]: unknown target type %q", i, m.TargetTypeID))
			}
		}
		if strategy := effectiveStrategy(p, m); !validStrategy(strategy) {
			return apperrors.NewValidationError(fmt.Sprintf("migrations[%d]: invalid sizing strategy %q", i, strategy))
		}
	}

	return nil
}

func validateSelector(s Selector) error {
	if s.Name != "" && s.Pattern != "" {
		return apperrors.NewValidationError("selector has both vm_name and vm_pattern set")
	}
	if s.Name == "" && s.Pattern == "" {
		return apperrors.NewValidationError("selector has neither vm_name nor vm_pattern set")
	}
	return nil
}

func validStrategy(s string) bool {
	switch s {
	case "", "exact", "optimize", "cost":
		return true
	default:
		return false
	}
}
