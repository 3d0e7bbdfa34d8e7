package bartleby

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ksco/bartleby/pkg/utils"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Policy turns symbol names into prefixed names.
type Policy struct {
	Prefix string
	// Underscore keeps a leading '_' in front of the prefix.
	Underscore   bool
	SkipSymbols  utils.MapSet[string]
	SkipPrefixes []string
}

// ValidatePrefix accepts non-empty identifiers made of letters, digits,
// '_', '$' and '.', not starting with a digit.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return errors.Wrap(ErrInvalidPrefix, "prefix is empty")
	}
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		switch {
		case c == 0:
			return errors.Wrapf(ErrInvalidPrefix, "prefix %q contains a NUL byte", prefix)
		case c >= '0' && c <= '9':
			if i == 0 {
				return errors.Wrapf(ErrInvalidPrefix, "prefix %q starts with a digit", prefix)
			}
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '$', c == '.':
		default:
			return errors.Wrapf(ErrInvalidPrefix, "prefix %q contains %q", prefix, c)
		}
	}
	return nil
}

func (p *Policy) split(name string) (string, string) {
	if p.Underscore {
		if bare, ok := utils.RemovePrefix(name, "_"); ok {
			return "_", bare
		}
	}
	return "", name
}

func (p *Policy) NewName(name string) string {
	lead, bare := p.split(name)
	return lead + p.Prefix + bare
}

func (p *Policy) AlreadyPrefixed(name string) bool {
	_, bare := p.split(name)
	return p.Prefix != "" && strings.HasPrefix(bare, p.Prefix)
}

func (p *Policy) Skipped(name string) bool {
	_, bare := p.split(name)
	if p.SkipSymbols.Contains(name) || p.SkipSymbols.Contains(bare) {
		return true
	}
	return lo.ContainsBy(p.SkipPrefixes, func(prefix string) bool {
		return strings.HasPrefix(bare, prefix)
	})
}

// Excluded reports names that never take the prefix.
func (p *Policy) Excluded(name string) bool {
	return p.Prefix == "" || name == "" || p.AlreadyPrefixed(name) || p.Skipped(name)
}

// RenameMap maps original names to prefixed names for one object.
type RenameMap map[string]string

type ObjectPlan struct {
	File           *InputObject
	Classification *Classification
	RenameMap      RenameMap
	// Renames maps symbol table indices to new names.
	Renames map[int]string
}

// PlanRenames classifies every object of the session and computes its
// rename map. All collisions found are returned together.
func PlanRenames(ctx *Context) ([]*ObjectPlan, error) {
	p := ctx.Policy()
	renamed := func(name string) bool {
		sym, ok := ctx.SymbolMap[name]
		return ok && sym.IsDefined() && !p.Excluded(name)
	}

	plans := make([]*ObjectPlan, 0, len(ctx.Objs))
	untouched := make(map[string]string)
	for _, obj := range ctx.Objs {
		c := ClassifySymbols(obj, p, renamed)
		syms := obj.Symbols()
		for _, idx := range c.Untouched {
			e := &syms[idx]
			if e.IsLocal() || e.Name == "" {
				continue
			}
			if _, ok := untouched[e.Name]; !ok {
				untouched[e.Name] = obj.Name()
			}
		}
		plans = append(plans, &ObjectPlan{File: obj, Classification: c})
	}

	var result *multierror.Error
	for _, plan := range plans {
		if err := plan.build(p, untouched); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return plans, nil
}

func (plan *ObjectPlan) build(p *Policy, sessionUntouched map[string]string) error {
	obj := plan.File
	syms := obj.Symbols()
	plan.RenameMap = make(RenameMap)
	plan.Renames = make(map[int]string)

	var result *multierror.Error
	origins := make(map[string]string)
	for _, idx := range plan.Classification.Renamed() {
		name := syms[idx].Name
		newName := p.NewName(name)
		if prev, ok := origins[newName]; ok && prev != name {
			result = multierror.Append(result, &CollisionError{
				Object: obj.Name(), Symbol: name, NewName: newName, With: obj.Name(),
			})
			continue
		}
		origins[newName] = name
		plan.RenameMap[name] = newName
		plan.Renames[idx] = newName
	}

	local := make(map[string]bool)
	for _, idx := range plan.Classification.Untouched {
		if e := &syms[idx]; !e.IsLocal() && e.Name != "" {
			local[e.Name] = true
		}
	}

	names := lo.Keys(plan.RenameMap)
	sort.Strings(names)
	for _, name := range names {
		newName := plan.RenameMap[name]
		switch {
		case local[newName]:
			result = multierror.Append(result, &CollisionError{
				Object: obj.Name(), Symbol: name, NewName: newName, With: obj.Name(),
			})
		case sessionUntouched[newName] != "":
			result = multierror.Append(result, &CollisionError{
				Object: obj.Name(), Symbol: name, NewName: newName, With: sessionUntouched[newName],
			})
		}
	}
	return result.ErrorOrNil()
}
