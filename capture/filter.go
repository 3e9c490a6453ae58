package capture

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter decides whether an event is of interest to an observer
type Filter interface {
	Match(e *Event) bool
}

type matchAll struct{}

func (matchAll) Match(*Event) bool { return true }

// MatchAll accepts every event
var MatchAll Filter = matchAll{}

// Criteria describes which events an observer wants.
// Empty lists match everything.
type Criteria struct {
	Areas       []Area      `json:"areas,omitempty"`
	Operations  []Operation `json:"operations,omitempty"`
	Containers  []Container `json:"containers,omitempty"`
	Classifiers []string    `json:"classifiers,omitempty"` // glob patterns
	Names       []string    `json:"names,omitempty"`       // glob patterns on container name
}

// CriteriaFilter is the compiled form of Criteria
type CriteriaFilter struct {
	areas           []Area
	operations      []Operation
	containers      []Container
	classifierGlobs []glob.Glob
	nameGlobs       []glob.Glob
}

// NewCriteriaFilter compiles the glob patterns of c
func NewCriteriaFilter(c Criteria) (*CriteriaFilter, error) {
	f := &CriteriaFilter{
		areas:           c.Areas,
		operations:      c.Operations,
		containers:      c.Containers,
		classifierGlobs: make([]glob.Glob, 0, len(c.Classifiers)),
		nameGlobs:       make([]glob.Glob, 0, len(c.Names)),
	}

	for _, pattern := range c.Classifiers {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid classifier pattern %q: %w", pattern, err)
		}
		f.classifierGlobs = append(f.classifierGlobs, g)
	}

	for _, pattern := range c.Names {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", pattern, err)
		}
		f.nameGlobs = append(f.nameGlobs, g)
	}

	return f, nil
}

// Match returns true if the event satisfies every configured dimension
func (f *CriteriaFilter) Match(e *Event) bool {
	if len(f.areas) > 0 && !contains(f.areas, e.Area) {
		return false
	}
	if len(f.operations) > 0 && !contains(f.operations, e.Operation) {
		return false
	}
	if len(f.containers) > 0 && !contains(f.containers, e.Container) {
		return false
	}
	if !matchAny(f.classifierGlobs, e.Classifier) {
		return false
	}
	return matchAny(f.nameGlobs, e.Name)
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// ParseArea converts a configuration name into an Area
func ParseArea(s string) (Area, error) {
	switch s {
	case "schema", "SCHEMA":
		return AreaSchema, nil
	case "data", "DATA":
		return AreaData, nil
	case "infrastructure", "INFRASTRUCTURE":
		return AreaInfrastructure, nil
	default:
		return 0, fmt.Errorf("unknown capture area %q", s)
	}
}

// ParseContentMode converts a configuration name into a ContentMode
func ParseContentMode(s string) (ContentMode, error) {
	switch s {
	case "", "header", "HEADER":
		return ContentHeader, nil
	case "body", "BODY":
		return ContentBody, nil
	default:
		return 0, fmt.Errorf("unknown content mode %q", s)
	}
}
