// Package ppc implements the Disassembler (spec §4.2): a pure,
// referentially transparent PowerPC instruction decoder built on
// golang.org/x/arch/ppc64/ppc64asm, plus the branch/predicate
// classification the Control-Flow Analyzer and Relocation
// Reconstructor need on top of a raw decode.
package ppc

// Arch describes the fixed target of this toolkit: 32-bit big-endian
// PowerPC, the Gekko/Broadway core used by GameCube and Wii. Modeled
// on the teacher's internal/arch.Arch, narrowed to a single value
// since this toolkit never targets anything else (spec §3 "fixed:
// PowerPC 32-bit, big-endian").
type Arch struct {
	Name    string
	PtrSize int
}

var PowerPC32 = &Arch{Name: "powerpc", PtrSize: 4}

func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.Name
}
