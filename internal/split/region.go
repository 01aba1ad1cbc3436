package split

// Placeable is anything Region can pack: something with a size and
// alignment requirement, and an offset Region assigns once placed.
// Adapted from the generic Region[T RegionPlaceable] bin-packer in
// wf-tools' relocation package, narrowed to the one shape this
// toolkit needs: ascending, append-after-the-last-entry placement of BSS common
// symbols within a translation unit's uninitialized-data range (spec
// §4.7's "placement of common symbols lacking a ground-truth
// address"). wf-tools' descending mode and offset-range clamping exist
// for overlay/multiboot relocation, which this toolkit has no
// equivalent of.
type Placeable interface {
	Offset() uint32
	SetOffset(uint32)
	Size() uint32
	Alignment() uint32
}

// Region packs Placeable entries into [start, start+size) in
// ascending address order, placing each new entry at the first offset
// at its required alignment after the end of the last entry. Space
// between earlier entries is not reused.
type Region struct {
	start, size uint32
	entries     []Placeable
}

func NewRegion(start, size uint32) *Region {
	return &Region{start: start, size: size}
}

func (r *Region) End() uint32 { return r.start + r.size }

func (r *Region) usedEnd() uint32 {
	if len(r.entries) == 0 {
		return r.start
	}
	last := r.entries[len(r.entries)-1]
	return last.Offset() + last.Size()
}

// Place assigns entry the first aligned offset after the last entry's
// end. It reports false if entry does not fit between that offset and
// the end of the region — the caller treats this as a
// layout conflict (spec §4.7's "splitter reports a fatal conflict
// when committed ranges cannot accommodate every claim").
func (r *Region) Place(entry Placeable) bool {
	align := entry.Alignment()
	if align == 0 {
		align = 1
	}
	cursor := r.usedEnd()
	offset := alignUp(cursor, align)
	if offset+entry.Size() > r.End() {
		return false
	}
	entry.SetOffset(offset)
	r.entries = append(r.entries, entry)
	return true
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
