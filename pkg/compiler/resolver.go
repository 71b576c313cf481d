package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/plan"
)

// DependencySpec is a parsed dependency string of the form
// name@constraint, optionally suffixed with ?optional. A bare name
// means any version.
type DependencySpec struct {
	Name       string
	Constraint string
	Optional   bool
}

// ParseDependency parses specs like "payment-processor@>=1.0.0" or
// "notifier@~1.2.0?optional".
func ParseDependency(spec string) (DependencySpec, error) {
	raw := strings.TrimSpace(spec)
	if raw == "" {
		return DependencySpec{}, fmt.Errorf("empty dependency spec")
	}

	optional := strings.HasSuffix(raw, "?optional")
	raw = strings.TrimSuffix(raw, "?optional")

	name, constraint := raw, "*"
	if at := strings.Index(raw, "@"); at >= 0 {
		name, constraint = raw[:at], raw[at+1:]
	}
	name = strings.TrimSpace(name)
	constraint = strings.TrimSpace(constraint)
	if name == "" {
		return DependencySpec{}, fmt.Errorf("dependency spec %q has no name", spec)
	}
	if constraint == "" {
		constraint = "*"
	}
	return DependencySpec{Name: name, Constraint: constraint, Optional: optional}, nil
}

func (s DependencySpec) String() string {
	return s.Name + "@" + s.Constraint
}

// CapsuleVersion is one published version of a capsule in the registry.
type CapsuleVersion struct {
	Version   string
	CapsuleID uuid.UUID
	Checksum  string
}

// Registry lists published capsule versions per tenant.
type Registry interface {
	Versions(ctx context.Context, tenantID uuid.UUID, name string) ([]CapsuleVersion, error)
}

// StaticRegistry is an in-memory Registry keyed by capsule name. It
// serves tests and self-contained deployments.
type StaticRegistry map[string][]CapsuleVersion

func (r StaticRegistry) Versions(_ context.Context, _ uuid.UUID, name string) ([]CapsuleVersion, error) {
	return r[name], nil
}

// Resolution is the outcome of resolving a capsule's dependency list.
// OK holds only when every non-optional spec resolved and no two
// resolutions pin different versions of the same name.
type Resolution struct {
	OK         bool
	Resolved   []plan.ResolvedDependency
	Unresolved []string
	Conflicts  []string
}

// Resolver pins dependency specs to concrete registry versions.
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

func NewResolver(registry Registry) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   slog.Default().With("component", "dependency-resolver"),
	}
}

// Resolve pins each spec to the highest registry version matching its
// constraint.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, dependencies []string) (*Resolution, error) {
	out := &Resolution{}

	for _, raw := range dependencies {
		spec, err := ParseDependency(raw)
		if err != nil {
			r.logger.Error("unparseable dependency", "spec", raw, "error", err)
			out.Unresolved = append(out.Unresolved, raw)
			continue
		}

		resolved, err := r.resolveOne(ctx, tenantID, spec)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			if !spec.Optional {
				out.Unresolved = append(out.Unresolved, spec.String())
			}
			continue
		}
		out.Resolved = append(out.Resolved, *resolved)
	}

	out.Conflicts = detectConflicts(out.Resolved)
	out.OK = len(out.Unresolved) == 0 && len(out.Conflicts) == 0

	r.logger.Info("dependency resolution completed",
		"tenant_id", tenantID,
		"resolved", len(out.Resolved),
		"unresolved", len(out.Unresolved),
		"conflicts", len(out.Conflicts))
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, tenantID uuid.UUID, spec DependencySpec) (*plan.ResolvedDependency, error) {
	available, err := r.registry.Versions(ctx, tenantID, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", spec.Name, err)
	}
	if len(available) == 0 {
		r.logger.Warn("no versions found for dependency", "dependency", spec.Name, "tenant_id", tenantID)
		return nil, nil
	}

	best := bestMatch(spec.Constraint, available)
	if best == nil {
		r.logger.Warn("no matching version for dependency",
			"dependency", spec.Name, "constraint", spec.Constraint)
		return nil, nil
	}

	return &plan.ResolvedDependency{
		Name:      spec.Name,
		Version:   best.Version,
		CapsuleID: best.CapsuleID,
		Optional:  spec.Optional,
		Checksum:  best.Checksum,
	}, nil
}

// bestMatch returns the highest available version satisfying the
// constraint, or nil. Operators: = (default), >, >=, <, <=, ~ (same
// minor, at least target), ^ (same major, at least target), * (any).
func bestMatch(constraint string, available []CapsuleVersion) *CapsuleVersion {
	var best *CapsuleVersion
	var bestVer *semver.Version

	consider := func(cv CapsuleVersion, v *semver.Version) {
		if bestVer == nil || v.GreaterThan(bestVer) {
			picked := cv
			best, bestVer = &picked, v
		}
	}

	if constraint == "*" {
		for _, cv := range available {
			v, err := semver.NewVersion(cv.Version)
			if err != nil {
				continue
			}
			consider(cv, v)
		}
		return best
	}

	op, rest := splitConstraint(constraint)
	target, err := semver.NewVersion(rest)
	if err != nil {
		// Not semver: fall back to exact string match.
		for _, cv := range available {
			if cv.Version == constraint {
				picked := cv
				return &picked
			}
		}
		return nil
	}

	for _, cv := range available {
		v, err := semver.NewVersion(cv.Version)
		if err != nil {
			continue
		}
		if matchesOperator(v, op, target) {
			consider(cv, v)
		}
	}
	return best
}

func splitConstraint(constraint string) (op, rest string) {
	rest = strings.TrimSpace(constraint)
	for _, candidate := range []string{">=", "<=", "=", ">", "<", "~", "^"} {
		if strings.HasPrefix(rest, candidate) {
			return candidate, strings.TrimSpace(rest[len(candidate):])
		}
	}
	return "=", rest
}

func matchesOperator(v *semver.Version, op string, target *semver.Version) bool {
	switch op {
	case "=":
		return v.Equal(target)
	case ">":
		return v.GreaterThan(target)
	case ">=":
		return !v.LessThan(target)
	case "<":
		return v.LessThan(target)
	case "<=":
		return !v.GreaterThan(target)
	case "~":
		return v.Major() == target.Major() && v.Minor() == target.Minor() && !v.LessThan(target)
	case "^":
		return v.Major() == target.Major() && !v.LessThan(target)
	}
	return false
}

func detectConflicts(resolved []plan.ResolvedDependency) []string {
	var conflicts []string
	pinned := map[string]string{}
	for _, dep := range resolved {
		if existing, ok := pinned[dep.Name]; ok {
			if existing != dep.Version {
				conflicts = append(conflicts, fmt.Sprintf(
					"Version conflict for %s: %s vs %s", dep.Name, existing, dep.Version))
			}
			continue
		}
		pinned[dep.Name] = dep.Version
	}
	return conflicts
}
