// Package split implements the Splitter (spec §4.7): it partitions
// every section's address range into translation units according to
// the boundaries recorded on Object.Splits (from user configuration
// and signature matches), pulls each unit's owned symbols and
// relocations along with it, and resolves BSS common-symbol placement
// within the remaining gaps of each unit's uninitialized range. A
// section's split points always include a default whole-section owner
// even when nothing configured one, so that support tables
// (.ctors/.dtors/extab/extabindex) are never silently dropped from the
// output before CoSplitCtors and CoSplitExtab get a chance to move
// their individual entries onto the units that actually own the
// functions those entries describe. Partition reports a fatal
// conflict when two claims on the same bytes cannot be reconciled.
package split

import (
	"fmt"
	"sort"

	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/secdata"
)

// Unit is one translation unit's slice of a single Object: the
// address ranges it owns in each section, the symbols whose address
// falls in those ranges, and the relocations that originate there. A
// unit ordinarily owns one contiguous Range per section, but a
// support-table section (.ctors/.dtors/extab/extabindex) that has been
// co-split may leave a unit owning several small, non-contiguous
// ranges scattered through the table.
type Unit struct {
	Name     string
	Ranges   map[int][]Range // section index -> ranges this unit owns
	Symbols  []objfile.Symbol
	Relocs   map[int][]objfile.Reloc // section index -> its relocations
	Sections map[int]*objfile.Section
}

type Range struct {
	Start, End uint32
}

func (r Range) Contains(addr uint32) bool { return addr >= r.Start && addr < r.End }

// Contains reports whether u owns addr within section secIdx.
func (u *Unit) Contains(secIdx int, addr uint32) bool {
	return rangesContain(u.Ranges[secIdx], addr)
}

func rangesContain(ranges []Range, addr uint32) bool {
	for _, r := range ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// punchHole removes [hole.Start, hole.End) from ranges, splitting any
// range that straddles it so the rest of that range's bytes stay with
// their current owner.
func punchHole(ranges []Range, hole Range) []Range {
	var out []Range
	for _, r := range ranges {
		if hole.End <= r.Start || hole.Start >= r.End {
			out = append(out, r)
			continue
		}
		if r.Start < hole.Start {
			out = append(out, Range{r.Start, hole.Start})
		}
		if hole.End < r.End {
			out = append(out, Range{hole.End, r.End})
		}
	}
	return out
}

// Conflict is two translation units whose committed ranges in the
// same section overlap — always fatal per spec §4.7, since it means
// the configuration or signature matches disagree about where one
// unit ends and the next begins.
type Conflict struct {
	SectionIndex   int
	UnitA, UnitB   string
	RangeA, RangeB Range
}

func (c Conflict) Error() string {
	return fmt.Sprintf("split: section %d: %q [%#x,%#x) overlaps %q [%#x,%#x)",
		c.SectionIndex, c.UnitA, c.RangeA.Start, c.RangeA.End, c.UnitB, c.RangeB.Start, c.RangeB.End)
}

// Partition builds the Unit set for o. It resolves each section's
// split points (sorted start addresses; a point's range is [addr,
// End) when End was configured, otherwise open — extending to the
// next split or the section end; a .ctors/.dtors/extab/extabindex
// section with no configured split point still gets an implicit
// default owner for its whole range, so its entries are never dropped
// from the output), rejects any two differently-owned points whose
// resolved ranges overlap as a fatal Conflict, gives a default owner
// to any gap an explicit End leaves uncovered, and assigns every
// symbol and relocation in a section to the unit whose range contains
// its address. It does not co-split support tables itself — call
// CoSplitCtors and CoSplitExtab afterward, with the table entries the
// Section & Data Analyzer parsed, to move each entry onto the unit
// that owns the function it describes.
func Partition(o *objfile.Object) ([]*Unit, error) {
	units := map[string]*Unit{}
	order := []string{}

	getUnit := func(name string) *Unit {
		u, ok := units[name]
		if !ok {
			u = &Unit{Name: name, Ranges: map[int][]Range{}, Relocs: map[int][]objfile.Reloc{}, Sections: map[int]*objfile.Section{}}
			units[name] = u
			order = append(order, name)
		}
		return u
	}

	for secIdx := range o.Sections {
		sec := &o.Sections[secIdx]
		points := splitPointsFor(o, sec)
		if len(points) == 0 {
			if !isCoSplitTable(sec.Kind) {
				continue
			}
			points = []splitPoint{{addr: sec.Address, unit: defaultUnitName(sec)}}
		}
		ends := resolveEnds(points, sec.End())
		if err := checkOverlaps(secIdx, points, ends); err != nil {
			return nil, err
		}
		points, ends = fillGaps(points, ends, sec)
		for i, p := range points {
			u := getUnit(p.unit)
			u.Ranges[secIdx] = append(u.Ranges[secIdx], Range{p.addr, ends[i]})
			u.Sections[secIdx] = sec
		}
	}

	assignSymbolsAndRelocs(o, units)

	out := make([]*Unit, 0, len(order))
	for _, name := range order {
		out = append(out, units[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// isCoSplitTable reports whether sec's kind is a support table the
// Splitter co-splits with the functions it describes (spec §4.7):
// these sections get an implicit default owner even with zero
// configured split points, since CoSplitCtors/CoSplitExtab need
// somewhere to take each entry from.
func isCoSplitTable(kind objfile.SectionKind) bool {
	switch kind {
	case objfile.SectionCtors, objfile.SectionDtors, objfile.SectionExtab, objfile.SectionExtabIndex:
		return true
	default:
		return false
	}
}

// splitPoint is one configured (or synthesized default) claim on a
// section: a unit owns [addr, explicitEnd) if explicitEnd is set, or
// [addr, <next point's addr, or the section's end>) if it is left 0.
type splitPoint struct {
	addr        uint32
	explicitEnd uint32
	unit        string
}

func splitPointsFor(o *objfile.Object, sec *objfile.Section) []splitPoint {
	var points []splitPoint
	for addr, splits := range o.Splits {
		if !sec.Contains(addr) && addr != sec.Address {
			continue
		}
		for _, s := range splits {
			points = append(points, splitPoint{addr: addr, explicitEnd: s.End, unit: s.Unit})
		}
	}
	if len(points) == 0 {
		return nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].addr < points[j].addr })
	if points[0].addr != sec.Address {
		points = append([]splitPoint{{addr: sec.Address, unit: defaultUnitName(sec)}}, points...)
	}
	return points
}

// resolveEnds computes each point's end address: its own explicitEnd
// when configured, otherwise the next point's start (or sectionEnd
// for the last point).
func resolveEnds(points []splitPoint, sectionEnd uint32) []uint32 {
	ends := make([]uint32, len(points))
	for i, p := range points {
		switch {
		case p.explicitEnd != 0:
			ends[i] = p.explicitEnd
		case i+1 < len(points):
			ends[i] = points[i+1].addr
		default:
			ends[i] = sectionEnd
		}
	}
	return ends
}

// fillGaps inserts a default-owner point for any stretch of sec's
// bytes an explicit End left uncovered: an open-ended point always
// reaches the next point or the section end, but an explicit End
// short of that can leave a gap, and a gap is bytes silently dropped
// from every emitted object unless something claims it.
func fillGaps(points []splitPoint, ends []uint32, sec *objfile.Section) ([]splitPoint, []uint32) {
	var outPoints []splitPoint
	var outEnds []uint32
	next := sec.Address
	for i, p := range points {
		if p.addr > next {
			outPoints = append(outPoints, splitPoint{addr: next, unit: defaultUnitName(sec)})
			outEnds = append(outEnds, p.addr)
		}
		outPoints = append(outPoints, p)
		outEnds = append(outEnds, ends[i])
		if ends[i] > next {
			next = ends[i]
		}
	}
	if next < sec.End() {
		outPoints = append(outPoints, splitPoint{addr: next, unit: defaultUnitName(sec)})
		outEnds = append(outEnds, sec.End())
	}
	return outPoints, outEnds
}

func defaultUnitName(sec *objfile.Section) string {
	return fmt.Sprintf("unsplit_%s.o", sanitize(sec.Name))
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '/' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}

// checkOverlaps reports a fatal Conflict for any two points owned by
// different units whose resolved [addr, end) ranges overlap (spec
// §4.7: "two TUs claiming the same address" is always fatal). Two
// open-ended points can only ever collide at a shared start address,
// but an explicit End can make a point's range reach past a later
// point's start, so every pair is checked rather than just neighbors.
func checkOverlaps(secIdx int, points []splitPoint, ends []uint32) error {
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			if points[i].unit == points[j].unit {
				continue
			}
			// Two points sharing a start address conflict outright —
			// an open-ended point resolved against an equally-early
			// neighbor can collapse to a zero-length range, which
			// would otherwise slip past the general overlap test below.
			if points[i].addr == points[j].addr || (points[i].addr < ends[j] && points[j].addr < ends[i]) {
				return Conflict{
					SectionIndex: secIdx,
					UnitA:        points[i].unit, RangeA: Range{points[i].addr, ends[i]},
					UnitB: points[j].unit, RangeB: Range{points[j].addr, ends[j]},
				}
			}
		}
	}
	return nil
}

func assignSymbolsAndRelocs(o *objfile.Object, units map[string]*Unit) {
	unitList := make([]*Unit, 0, len(units))
	for _, u := range units {
		unitList = append(unitList, u)
	}
	for _, sym := range o.Symbols.All() {
		if sym.Section < 0 {
			continue
		}
		for _, u := range unitList {
			if u.Contains(sym.Section, sym.Address) {
				u.Symbols = append(u.Symbols, sym)
				break
			}
		}
	}
	for secIdx := range o.Sections {
		assignRelocsForSection(o, unitList, secIdx)
	}
}

// assignRelocsForSection rebuilds every unit's relocation list for
// secIdx from scratch against the current Ranges. Called once per
// section by assignSymbolsAndRelocs, and again by CoSplitCtors and
// CoSplitExtab after they move a table entry's Range to a new owner,
// since that changes which unit the entry's own relocation belongs to
// as well.
func assignRelocsForSection(o *objfile.Object, units []*Unit, secIdx int) {
	for _, u := range units {
		delete(u.Relocs, secIdx)
	}
	sec := &o.Sections[secIdx]
	for _, reloc := range sec.Relocs {
		addr := sec.Address + reloc.Offset
		for _, u := range units {
			if u.Contains(secIdx, addr) {
				u.Relocs[secIdx] = append(u.Relocs[secIdx], reloc)
				break
			}
		}
	}
}

// ownerOfFunction finds the unit that owns addr in some section other
// than the excluded ones (the table sections being co-split), which
// is always a function's real home section (.text) rather than the
// support table that merely references it.
func ownerOfFunction(units []*Unit, addr uint32, excludeSections ...int) *Unit {
	for _, u := range units {
		for secIdx, ranges := range u.Ranges {
			excluded := false
			for _, e := range excludeSections {
				if secIdx == e {
					excluded = true
					break
				}
			}
			if excluded {
				continue
			}
			if rangesContain(ranges, addr) {
				return u
			}
		}
	}
	return nil
}

// moveRange transfers r from whichever unit currently owns it, within
// section secIdx, onto dst.
func moveRange(o *objfile.Object, units []*Unit, secIdx int, r Range, dst *Unit) {
	for _, u := range units {
		if u != dst {
			u.Ranges[secIdx] = punchHole(u.Ranges[secIdx], r)
		}
	}
	dst.Ranges[secIdx] = append(dst.Ranges[secIdx], r)
	dst.Sections[secIdx] = &o.Sections[secIdx]
}

// CoSplitCtors moves each .ctors/.dtors entry from whichever unit
// currently claims the table's default range onto the unit that owns
// the function it points at, per spec §4.7's "support tables co-split
// with the function they describe" rule, then re-derives which unit
// owns each of the table's relocations to match. Entries whose target
// function isn't owned by any unit (e.g. it lives in another module)
// are left where they already are.
func CoSplitCtors(o *objfile.Object, units []*Unit, tableSectionIndex int, entryOffsets []uint32, entryTargets []uint32) {
	moved := false
	base := o.Sections[tableSectionIndex].Address
	for i, off := range entryOffsets {
		owner := ownerOfFunction(units, entryTargets[i], tableSectionIndex)
		if owner == nil {
			continue
		}
		moveRange(o, units, tableSectionIndex, Range{base + off, base + off + 4}, owner)
		moved = true
	}
	if moved {
		assignRelocsForSection(o, units, tableSectionIndex)
	}
}

// CoSplitExtab moves each extabindex record, and the unwind data it
// points at, onto the unit that owns the function the record
// describes (spec §4.6 step 4, §4.7's co-split rule), so both the
// 12-byte index entry and its extab bytes travel with the function's
// own translation unit instead of staying on whichever unit claims
// the tables' default range.
func CoSplitExtab(o *objfile.Object, units []*Unit, extabIndexSection, extabSection int, entries []secdata.ExtabEntry) {
	movedIndex, movedExtab := false, false
	indexBase := o.Sections[extabIndexSection].Address
	for _, e := range entries {
		owner := ownerOfFunction(units, e.FunctionAddress, extabIndexSection, extabSection)
		if owner == nil {
			continue
		}
		moveRange(o, units, extabIndexSection, Range{indexBase + e.IndexOffset, indexBase + e.IndexOffset + 12}, owner)
		movedIndex = true
		if e.DataSize > 0 {
			extabBase := o.Sections[extabSection].Address
			moveRange(o, units, extabSection, Range{extabBase + e.DataOffset, extabBase + e.DataOffset + e.DataSize}, owner)
			movedExtab = true
		}
	}
	if movedIndex {
		assignRelocsForSection(o, units, extabIndexSection)
	}
	if movedExtab {
		assignRelocsForSection(o, units, extabSection)
	}
}

// commonSlot implements Placeable for a BSS common symbol awaiting
// placement.
type commonSlot struct {
	sym   *objfile.Symbol
	align uint32
}

func (c *commonSlot) Offset() uint32     { return c.sym.Address }
func (c *commonSlot) SetOffset(v uint32) { c.sym.Address = v }
func (c *commonSlot) Size() uint32       { return c.sym.Size }
func (c *commonSlot) Alignment() uint32  { return c.align }

// PlaceCommons resolves addresses for every FlagCommon symbol in a
// unit's BSS range that does not already have one, placing them in
// name order after the highest already-addressed symbol; gaps between
// already-addressed symbols are not filled (spec §4.7's common-symbol
// placement rule). It returns an
// error if a common symbol does not fit in the remaining space.
func PlaceCommons(u *Unit, secIdx int) error {
	ranges := u.Ranges[secIdx]
	if len(ranges) == 0 {
		return nil
	}
	// BSS commons co-split like table entries never happens; a unit's
	// bss ranges are a single contiguous span in practice.
	r := ranges[0]
	region := NewRegion(r.Start, r.End-r.Start)

	var fixed, commons []*objfile.Symbol
	for i := range u.Symbols {
		sym := &u.Symbols[i]
		if sym.Section != secIdx {
			continue
		}
		if sym.Flags.Has(objfile.FlagCommon) && sym.Address == 0 {
			commons = append(commons, sym)
		} else {
			fixed = append(fixed, sym)
		}
	}
	for _, sym := range fixed {
		region.entries = append(region.entries, &commonSlot{sym: sym, align: 1})
	}
	sort.Slice(region.entries, func(i, j int) bool { return region.entries[i].Offset() < region.entries[j].Offset() })

	sort.Slice(commons, func(i, j int) bool { return commons[i].Name < commons[j].Name })
	for _, sym := range commons {
		align := sym.Align
		if align == 0 {
			align = 4
		}
		slot := &commonSlot{sym: sym, align: align}
		if !region.Place(slot) {
			return fmt.Errorf("split: common symbol %q (size %#x) does not fit in unit %q's remaining bss", sym.Name, sym.Size, u.Name)
		}
	}
	return nil
}
