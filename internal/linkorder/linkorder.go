// Package linkorder implements the Link Orderer & Script Emitter
// (spec §4.8): it orders the recovered translation units into a
// stable link order and renders a CodeWarrior-style linker script
// that places every unit's sections to reproduce the original image's
// byte layout exactly.
//
// Ordering is modeled as a directed graph over translation units,
// resolved with a topological sort, grounded on the dependency-graph-
// plus-ShortestPath idiom in blacktop/ipsw's kernelcache.InspectKM.
// An edge a->b means "a should link before b" and must come from one
// of spec §4.8's two criteria — a owns an address strictly lower than
// b's lowest in some shared section, or a support-table entry a owns
// references a function b owns. Neither criterion is acyclic in
// general (two units can be ordered one way in one shared section and
// the other way in another); Build returns an error when an edge would
// close a cycle. Arbitrary call relocations are NOT a valid edge
// source: two units that reference each other, the ordinary case for
// any pair of cross-referencing C/C++ translation units, would
// produce edges in both directions and make PreventCycles reject
// every realistic multi-TU split.
package linkorder

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/dominikbraun/graph"

	"github.com/dolsplit/dolsplit/internal/split"
)

// Graph wraps a dominikbraun/graph directed acyclic graph over
// translation-unit names, plus the address each unit's earliest
// section range starts at, used to break ties when more than one
// topological order is valid.
type Graph struct {
	g        graph.Graph[string, string]
	earliest map[string]uint32
}

// Build constructs the dependency graph for units. edge is called for
// every ordered pair and should report whether a should link before
// b, restricted to spec §4.8's address-ordering and support-table-
// reference criteria rather than an arbitrary "a's code references b"
// predicate. An edge that would close a cycle makes Build return an
// error.
func Build(units []*split.Unit, edge func(a, b *split.Unit) bool) (*Graph, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	earliest := map[string]uint32{}

	for _, u := range units {
		if err := g.AddVertex(u.Name); err != nil {
			return nil, fmt.Errorf("linkorder: adding vertex %q: %w", u.Name, err)
		}
		earliest[u.Name] = earliestAddress(u)
	}

	for _, a := range units {
		for _, b := range units {
			if a.Name == b.Name {
				continue
			}
			if edge(a, b) {
				if err := g.AddEdge(a.Name, b.Name); err != nil {
					return nil, fmt.Errorf("linkorder: link order has a cycle through %q -> %q: %w", a.Name, b.Name, err)
				}
			}
		}
	}

	return &Graph{g: g, earliest: earliest}, nil
}

func earliestAddress(u *split.Unit) uint32 {
	var best uint32
	first := true
	for _, ranges := range u.Ranges {
		for _, r := range ranges {
			if first || r.Start < best {
				best = r.Start
				first = false
			}
		}
	}
	return best
}

// Order returns the translation units in link order: topologically
// sorted, with ties among unconstrained units broken by the earliest
// address any of them claims, so the output order matches the
// original image's layout whenever the dependency graph leaves that
// choice free.
func (lg *Graph) Order() ([]string, error) {
	order, err := graph.StableTopologicalSort(lg.g, func(a, b string) bool { return lg.earliest[a] < lg.earliest[b] })
	if err != nil {
		return nil, fmt.Errorf("linkorder: %w", err)
	}
	return order, nil
}

// UnitPlacement is the rendering view of one translation unit's
// section placements within the linker script.
type UnitPlacement struct {
	Name     string
	Sections []SectionPlacement
}

type SectionPlacement struct {
	Name  string
	Start uint32
	End   uint32
	Kind  string
}

// ScriptData is what the linker-script template renders: the ordered
// unit placements plus the handful of linker-generated scalars a
// CodeWarrior script conventionally pins (spec §4.1, §4.9).
type ScriptData struct {
	Units []UnitPlacement
	Sda   *uint32
	Sda2  *uint32
	Entry string
}

const unitTemplate = `  /* {{ .Name }} */
{{- range .Sections }}
  {{ .Name }} ALIGN(0x{{ printf "%X" .Start }}) :
  {
    "{{ $.Name }}"({{ .Name }})
  }
{{- end }}
`

const footerTemplate = `{{- if .Sda }}
_SDA_BASE_ = 0x{{ printf "%X" (deref .Sda) }};
{{- end }}
{{- if .Sda2 }}
_SDA2_BASE_ = 0x{{ printf "%X" (deref .Sda2) }};
{{- end }}
{{- if .Entry }}
ENTRY({{ .Entry }})
{{- end }}
`

var (
	unitTmpl   = template.Must(template.New("unit").Parse(unitTemplate))
	footerTmpl = template.Must(template.New("footer").Funcs(template.FuncMap{
		"deref": func(p *uint32) uint32 { return *p },
	}).Parse(footerTemplate))
)

// Emit renders a CodeWarrior-style linker script in the given order
// (typically Graph.Order()'s result). Units absent from placements
// are skipped rather than erroring, since Order() operates over every
// translation unit the Splitter produced but a caller may choose to
// emit a script covering only a subset (e.g. one REL module at a
// time).
func Emit(order []string, placements map[string]UnitPlacement, sda, sda2 *uint32, entry string) (string, error) {
	var sb strings.Builder
	sb.WriteString("SECTIONS\n{\n")
	for _, name := range order {
		up, ok := placements[name]
		if !ok {
			continue
		}
		if err := unitTmpl.Execute(&sb, up); err != nil {
			return "", fmt.Errorf("linkorder: rendering unit %q: %w", name, err)
		}
	}
	sb.WriteString("}\n")

	if err := footerTmpl.Execute(&sb, ScriptData{Sda: sda, Sda2: sda2, Entry: entry}); err != nil {
		return "", fmt.Errorf("linkorder: rendering script footer: %w", err)
	}
	return sb.String(), nil
}
