package relfmt

import (
	"github.com/dolsplit/dolsplit/internal/binio"
	"github.com/dolsplit/dolsplit/internal/objfile"
)

// relMergeAlign is the alignment the Loader uses when placing REL
// modules after the DOL image, per spec §4.1 ("aligned to 32 bytes").
const relMergeAlign = 32

// Merge assigns each REL module a virtual address range immediately
// following dolEnd, deterministic in REL id order (the order of mods,
// per spec §4.1), and returns the per-module base addresses so the
// Relocation Reconstructor can resolve REL-module-relative
// relocations once all modules are placed.
func Merge(dolEnd uint32, mods []*objfile.Object) map[uint32]uint32 {
	bases := make(map[uint32]uint32, len(mods))
	cursor := binio.AlignUp(dolEnd, relMergeAlign)
	for _, mod := range mods {
		bases[mod.ModuleID] = cursor
		for i := range mod.Sections {
			sec := &mod.Sections[i]
			sec.Address = cursor
			sec.OriginalAddr = cursor
			cursor = binio.AlignUp(cursor+sec.Size, relMergeAlign)
		}
	}
	return bases
}
