package audit

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// ChangeType classifies a ValueChange.
type ChangeType string

const (
	ChangeAdded   ChangeType = "Added"
	ChangeRemoved ChangeType = "Removed"
	ChangeUpdated ChangeType = "Updated"
)

// ValueChange is one keyed difference. Before is empty for Added, After is
// empty for Removed.
type ValueChange struct {
	Key    string     `json:"key"`
	Type   ChangeType `json:"type"`
	Before string     `json:"before,omitempty"`
	After  string     `json:"after,omitempty"`
}

// PlatformDiff collects the changes of one platform configuration.
type PlatformDiff struct {
	Platform        packaging.Platform `json:"platform"`
	AddedFormats    []string           `json:"addedFormats,omitempty"`
	RemovedFormats  []string           `json:"removedFormats,omitempty"`
	PropertyChanges []ValueChange      `json:"propertyChanges,omitempty"`
}

func (d PlatformDiff) empty() bool {
	return len(d.AddedFormats) == 0 && len(d.RemovedFormats) == 0 && len(d.PropertyChanges) == 0
}

// Diff is the structural delta between two project configurations.
type Diff struct {
	// FieldChanges covers the top-level name and version.
	FieldChanges    []ValueChange  `json:"fieldChanges"`
	MetadataChanges []ValueChange  `json:"metadataChanges"`
	PlatformDiffs   []PlatformDiff `json:"platformDiffs"`
}

// IsEmpty reports whether the two sides were structurally equal.
func (d Diff) IsEmpty() bool {
	return len(d.FieldChanges) == 0 && len(d.MetadataChanges) == 0 && len(d.PlatformDiffs) == 0
}

// ComputeDiff returns the changes that turn from into to.
func ComputeDiff(from, to Snapshot) Diff {
	return DiffProjects(from.Project, to.Project)
}

// DiffProjects compares two projects. Metadata and platform properties are
// compared as key sets; format lists are compared as case-insensitive sets.
// A platform present on one side only shows all its formats and properties
// as added or removed.
func DiffProjects(from, to packaging.Project) Diff {
	d := Diff{
		FieldChanges:    diffMaps(map[string]string{"name": from.Name, "version": from.Version}, map[string]string{"name": to.Name, "version": to.Version}),
		MetadataChanges: diffMaps(from.Metadata, to.Metadata),
		PlatformDiffs:   []PlatformDiff{},
	}

	platforms := mapset.NewSet[packaging.Platform]()
	for p := range from.Platforms {
		platforms.Add(p)
	}
	for p := range to.Platforms {
		platforms.Add(p)
	}
	ordered := platforms.ToSlice()
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, p := range ordered {
		before, after := from.Platforms[p], to.Platforms[p]
		fromFormats, toFormats := formatSet(before.Formats), formatSet(after.Formats)
		pd := PlatformDiff{
			Platform:        p,
			AddedFormats:    sortedSlice(toFormats.Difference(fromFormats)),
			RemovedFormats:  sortedSlice(fromFormats.Difference(toFormats)),
			PropertyChanges: diffMaps(before.Properties, after.Properties),
		}
		if !pd.empty() {
			d.PlatformDiffs = append(d.PlatformDiffs, pd)
		}
	}
	return d
}

func diffMaps(from, to map[string]string) []ValueChange {
	changes := []ValueChange{}
	for k, b := range from {
		a, ok := to[k]
		switch {
		case !ok:
			changes = append(changes, ValueChange{Key: k, Type: ChangeRemoved, Before: b})
		case a != b:
			changes = append(changes, ValueChange{Key: k, Type: ChangeUpdated, Before: b, After: a})
		}
	}
	for k, a := range to {
		if _, ok := from[k]; !ok {
			changes = append(changes, ValueChange{Key: k, Type: ChangeAdded, After: a})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func formatSet(formats []string) mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, f := range formats {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			s.Add(f)
		}
	}
	return s
}

func sortedSlice(s mapset.Set[string]) []string {
	if s.Cardinality() == 0 {
		return nil
	}
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
