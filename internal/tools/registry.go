package tools

import (
	"fmt"
	"sort"
)

// Registry resolves tool identifiers to their adapters. It is
// populated once during startup and read-only afterwards; registering
// an id outside the closed enumeration, under the wrong category, or
// twice is an error at construction, never at invoke time.
type Registry struct {
	sourceControl map[ToolID]SourceControl
	hosting       map[ToolID]Hosting
	ci            map[ToolID]CI
	issues        map[ToolID]IssueSource
	lint          map[ToolID]LintSource
	ciFailures    map[ToolID]CIFailureSource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sourceControl: make(map[ToolID]SourceControl),
		hosting:       make(map[ToolID]Hosting),
		ci:            make(map[ToolID]CI),
		issues:        make(map[ToolID]IssueSource),
		lint:          make(map[ToolID]LintSource),
		ciFailures:    make(map[ToolID]CIFailureSource),
	}
}

func checkID(id ToolID, want Category) error {
	cat, ok := knownTools[id]
	if !ok {
		return fmt.Errorf("unknown tool id %q", id)
	}
	if cat != want {
		return fmt.Errorf("tool %s belongs to category %s, not %s", id, cat, want)
	}
	return nil
}

// RegisterSourceControl adds a source-control adapter.
func (r *Registry) RegisterSourceControl(id ToolID, impl SourceControl) error {
	if err := checkID(id, CategorySourceControl); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.sourceControl[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.sourceControl[id] = impl
	return nil
}

// RegisterHosting adds a hosting-platform adapter.
func (r *Registry) RegisterHosting(id ToolID, impl Hosting) error {
	if err := checkID(id, CategoryHosting); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.hosting[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.hosting[id] = impl
	return nil
}

// RegisterCI adds a CI status adapter.
func (r *Registry) RegisterCI(id ToolID, impl CI) error {
	if err := checkID(id, CategoryCI); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.ci[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.ci[id] = impl
	return nil
}

// RegisterIssueSource adds a health-signal adapter for issues.
func (r *Registry) RegisterIssueSource(id ToolID, impl IssueSource) error {
	if err := checkID(id, CategoryHealthSignal); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.issues[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.issues[id] = impl
	return nil
}

// RegisterLintSource adds a health-signal adapter for lint findings.
func (r *Registry) RegisterLintSource(id ToolID, impl LintSource) error {
	if err := checkID(id, CategoryHealthSignal); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.lint[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.lint[id] = impl
	return nil
}

// RegisterCIFailureSource adds a health-signal adapter for CI
// failure history.
func (r *Registry) RegisterCIFailureSource(id ToolID, impl CIFailureSource) error {
	if err := checkID(id, CategoryHealthSignal); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("nil adapter for %s", id)
	}
	if _, dup := r.ciFailures[id]; dup {
		return fmt.Errorf("tool %s already registered", id)
	}
	r.ciFailures[id] = impl
	return nil
}

// SourceControl resolves a registered source-control adapter.
func (r *Registry) SourceControl(id ToolID) (SourceControl, error) {
	impl, ok := r.sourceControl[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered for %s", id, CategorySourceControl)
	}
	return impl, nil
}

// Hosting resolves a registered hosting adapter.
func (r *Registry) Hosting(id ToolID) (Hosting, error) {
	impl, ok := r.hosting[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered for %s", id, CategoryHosting)
	}
	return impl, nil
}

// CI resolves a registered CI adapter.
func (r *Registry) CI(id ToolID) (CI, error) {
	impl, ok := r.ci[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered for %s", id, CategoryCI)
	}
	return impl, nil
}

// IssueSource resolves a registered issue source.
func (r *Registry) IssueSource(id ToolID) (IssueSource, error) {
	impl, ok := r.issues[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered as issue source", id)
	}
	return impl, nil
}

// LintSource resolves a registered lint source.
func (r *Registry) LintSource(id ToolID) (LintSource, error) {
	impl, ok := r.lint[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered as lint source", id)
	}
	return impl, nil
}

// CIFailureSource resolves a registered CI-failure source.
func (r *Registry) CIFailureSource(id ToolID) (CIFailureSource, error) {
	impl, ok := r.ciFailures[id]
	if !ok {
		return nil, fmt.Errorf("tool %s not registered as ci-failure source", id)
	}
	return impl, nil
}

// Candidates returns the registered tools of a category in id order,
// the shape the ledger ranking consumes.
func (r *Registry) Candidates(c Category) []ToolID {
	seen := make(map[ToolID]struct{})
	switch c {
	case CategorySourceControl:
		for id := range r.sourceControl {
			seen[id] = struct{}{}
		}
	case CategoryHosting:
		for id := range r.hosting {
			seen[id] = struct{}{}
		}
	case CategoryCI:
		for id := range r.ci {
			seen[id] = struct{}{}
		}
	case CategoryHealthSignal:
		for id := range r.issues {
			seen[id] = struct{}{}
		}
		for id := range r.lint {
			seen[id] = struct{}{}
		}
		for id := range r.ciFailures {
			seen[id] = struct{}{}
		}
	}
	out := make([]ToolID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IssueSources lists registered issue sources in id order.
func (r *Registry) IssueSources() []ToolID {
	return sortedIDs(r.issues)
}

// LintSources lists registered lint sources in id order.
func (r *Registry) LintSources() []ToolID {
	return sortedIDs(r.lint)
}

// CIFailureSources lists registered CI-failure sources in id order.
func (r *Registry) CIFailureSources() []ToolID {
	return sortedIDs(r.ciFailures)
}

func sortedIDs[T any](m map[ToolID]T) []ToolID {
	out := make([]ToolID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
