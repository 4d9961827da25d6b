// Package migrate implements the schema migration engine: detection of a
// schema-version mismatch, shortest-path planning through the version graph,
// and step-by-step execution into temporary store files with backup/rollback
// safety.
package migrate

import (
	"fmt"

	"github.com/ishabanya/ARchitect-sub003/internal/types"
)

// Mapping describes how one step transforms record fields. The zero value is
// the inferred mapping: identity. Rules apply in order: renames, drops,
// defaults, then the optional transform.
type Mapping struct {
	// RenameFields maps old field name to new, applied to every record.
	RenameFields map[string]string

	// DropFields are removed during the step.
	DropFields []string

	// DefaultFields ensures fields exist per entity type; "*" matches any.
	DefaultFields map[string]map[string]any

	// Transform optionally rewrites a record's fields after the rules above.
	// An error fails the step (and thereby the whole migration).
	Transform func(entityType string, fields map[string]any) (map[string]any, error)
}

// Inferred reports whether the mapping carries no custom rules.
func (m Mapping) Inferred() bool {
	return len(m.RenameFields) == 0 && len(m.DropFields) == 0 &&
		len(m.DefaultFields) == 0 && m.Transform == nil
}

// Apply runs the mapping over one record's fields, returning the migrated
// field set. The input map is not modified.
func (m Mapping) Apply(entityType string, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if renamed, ok := m.RenameFields[k]; ok {
			out[renamed] = v
			continue
		}
		out[k] = v
	}
	for _, f := range m.DropFields {
		delete(out, f)
	}
	for _, scope := range []string{"*", entityType} {
		for f, def := range m.DefaultFields[scope] {
			if _, ok := out[f]; !ok {
				out[f] = def
			}
		}
	}
	if m.Transform != nil {
		migrated, err := m.Transform(entityType, out)
		if err != nil {
			return nil, fmt.Errorf("mapping transform failed: %w", err)
		}
		out = migrated
	}
	return out, nil
}

// Step is one version-to-version transition.
type Step struct {
	From    string
	To      string
	Mapping Mapping
}

// Plan is an ordered, non-empty chain of steps. Steps chain continuously:
// each step's target is the next step's source, and the final target is the
// plan's overall target.
type Plan struct {
	Source string
	Target string
	Steps  []Step
}

func (p *Plan) validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("migration plan has no steps")
	}
	if p.Steps[0].From != p.Source {
		return fmt.Errorf("plan starts at %s, expected %s", p.Steps[0].From, p.Source)
	}
	for i := 0; i < len(p.Steps)-1; i++ {
		if p.Steps[i].To != p.Steps[i+1].From {
			return fmt.Errorf("plan steps do not chain at %s -> %s", p.Steps[i].To, p.Steps[i+1].From)
		}
	}
	if last := p.Steps[len(p.Steps)-1].To; last != p.Target {
		return fmt.Errorf("plan ends at %s, expected %s", last, p.Target)
	}
	return nil
}

// Graph is the directed graph of known schema versions and available
// version-to-version mappings.
type Graph struct {
	edges map[string][]Step
}

// NewGraph returns an empty version graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[string][]Step)}
}

// Register adds an available mapping edge.
func (g *Graph) Register(step Step) {
	g.edges[step.From] = append(g.edges[step.From], step)
}

// Plan finds a minimal-step path from source to target with a breadth-first
// search. Equal-length paths tie-break on registration order. Returns a
// NoMigrationPathError naming both versions when no chain exists.
func (g *Graph) Plan(from, to string) (*Plan, error) {
	if from == to {
		return nil, fmt.Errorf("store already at schema version %s", to)
	}

	type node struct {
		version string
		path    []Step
	}
	visited := map[string]bool{from: true}
	queue := []node{{version: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, step := range g.edges[cur.version] {
			if visited[step.To] {
				continue
			}
			path := append(append([]Step(nil), cur.path...), step)
			if step.To == to {
				plan := &Plan{Source: from, Target: to, Steps: path}
				if err := plan.validate(); err != nil {
					return nil, err
				}
				return plan, nil
			}
			visited[step.To] = true
			queue = append(queue, node{version: step.To, path: path})
		}
	}
	return nil, &types.NoMigrationPathError{From: from, To: to}
}

// DefaultGraph returns the application's known schema versions and mappings.
//
// 1.0: original layout, furniture dimensions as loose width/height/depth.
// 1.1: renamed color to finish on furniture and catalog items.
// 1.2: guaranteed dimension defaults on furniture.
// 2.0: placement document {x,y,z,rotation} replaces loose position fields.
//
// A consolidated 1.0 -> 2.0 mapping exists so old stores migrate in one step.
func DefaultGraph() *Graph {
	g := NewGraph()

	renameColor := Mapping{RenameFields: map[string]string{"color": "finish"}}
	dimensionDefaults := Mapping{DefaultFields: map[string]map[string]any{
		types.EntityFurniture: {"width": 1.0, "height": 1.0, "depth": 1.0},
	}}
	placement := Mapping{Transform: foldPlacement}

	consolidated := Mapping{
		RenameFields: renameColor.RenameFields,
		DefaultFields: map[string]map[string]any{
			types.EntityFurniture: {"width": 1.0, "height": 1.0, "depth": 1.0},
		},
		Transform: foldPlacement,
	}

	g.Register(Step{From: "1.0", To: "1.1", Mapping: renameColor})
	g.Register(Step{From: "1.1", To: "1.2", Mapping: dimensionDefaults})
	g.Register(Step{From: "1.2", To: "2.0", Mapping: placement})
	g.Register(Step{From: "1.0", To: "2.0", Mapping: consolidated})
	return g
}

// foldPlacement folds the loose pos_x/pos_y/pos_z/rotation fields into a
// single placement document.
func foldPlacement(entityType string, fields map[string]any) (map[string]any, error) {
	if entityType != types.EntityFurniture {
		return fields, nil
	}
	placement := map[string]any{"x": 0.0, "y": 0.0, "z": 0.0, "rotation": 0.0}
	for old, key := range map[string]string{"pos_x": "x", "pos_y": "y", "pos_z": "z", "rotation": "rotation"} {
		if v, ok := fields[old]; ok {
			placement[key] = v
			delete(fields, old)
		}
	}
	fields["placement"] = placement
	return fields, nil
}
