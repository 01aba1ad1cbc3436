// Package relocrecon implements the Relocation Reconstructor (spec
// §4.4): given a fully disassembled section and the function/label
// information the Control-Flow Analyzer produced, it synthesizes the
// relocation entries a CodeWarrior linker would have consumed to
// produce the bytes actually present in the image — branches become
// REL24/REL14, hi/lo instruction pairs become ADDR16_HI/HA/LO pairs,
// SDA-relative loads become EMB_SDA21, and leftover 32-bit words that
// point at a known symbol become ADDR32.
package relocrecon

import (
	"fmt"
	"sort"

	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/ppc"
	"github.com/dolsplit/dolsplit/internal/warn"
)

// Options carries the linker-generated scalars the SDA rule needs;
// these live on the Object once the Loader has resolved them.
type Options struct {
	SdaBase  *uint32
	Sda2Base *uint32
}

// Reconstruct walks every instruction in sec and appends the
// relocations it implies to sec.Relocs, in offset order. syms
// resolves raw target addresses to the symbol a relocation should
// point at, following the ForRelocation ranking (spec §3).
func Reconstruct(sec *objfile.Section, syms *objfile.Symbols, opts Options) []warn.Warning {
	var warnings []warn.Warning
	code := sec.Data
	base := sec.Address

	pending := map[uint32]hiRecord{} // rD -> pending lis/addis, for hi/lo pairing

	for off := uint32(0); off+4 <= uint32(len(code)); off += 4 {
		pc := base + off
		inst, err := ppc.Decode(code[off:], pc)
		if err != nil {
			continue
		}

		switch {
		case inst.IsCall || inst.IsUnconditionalBranch || inst.IsConditionalBranch:
			if !inst.HasBranchTarget || inst.BranchIsAbsolute {
				continue
			}
			kind := objfile.RelocRel24
			if inst.IsConditionalBranch {
				kind = objfile.RelocRel14
			}
			target, ok := syms.ForRelocation(inst.BranchTarget, kind)
			if !ok {
				warnings = append(warnings, warn.New(pc, sec.Index,
					"branch target %#010x has no covering symbol", inst.BranchTarget))
				continue
			}
			addend := int64(inst.BranchTarget) - int64(syms.At(target).Address)
			sec.Relocs = append(sec.Relocs, objfile.Reloc{Offset: off, Kind: kind, Target: target, Addend: addend})

		case inst.IsDForm && isHiForm(inst):
			pending[uint32(inst.Rd)] = hiRecord{offset: off, imm: inst.Imm, raw: inst.Raw}

		case inst.IsDForm && isLoForm(inst):
			hi, ok := pending[uint32(inst.Ra)]
			if !ok {
				if isSdaRelative(inst, opts) {
					w := reconSda(sec, off, inst, syms, opts)
					warnings = append(warnings, w...)
				}
				continue
			}
			delete(pending, uint32(inst.Ra))
			w := reconHiLo(sec, hi, off, inst, syms)
			warnings = append(warnings, w...)
		}
	}

	// A hi relocation is appended only when its lo half is reached, after
	// any branch relocations in between.
	sort.SliceStable(sec.Relocs, func(i, j int) bool { return sec.Relocs[i].Offset < sec.Relocs[j].Offset })
	return warnings
}

type hiRecord struct {
	offset uint32
	imm    int32
	raw    uint32
}

// isHiForm reports whether inst is lis/addis (opcode 15), the first
// half of a hi/lo address-materializing pair.
func isHiForm(inst ppc.Inst) bool { return inst.Raw>>26 == 15 }

// isLoForm reports whether inst could be the second half of a hi/lo
// pair: addi (14), ori (24), or any D-form load/store.
func isLoForm(inst ppc.Inst) bool {
	op := inst.Raw >> 26
	return op == 14 || op == 24 || (op >= 32 && op <= 55)
}

// isOriForm reports whether inst is ori (opcode 24), the lo form whose
// immediate is zero-extended rather than sign-extended.
func isOriForm(inst ppc.Inst) bool { return inst.Raw>>26 == 24 }

// reconHiLo reconstructs the full 32-bit address a lis/addis + lo-form
// pair materializes, finds the symbol it must have been computed from,
// and emits paired ADDR16_HA/ADDR16_HI (spec §4.4's documented
// ambiguity) and ADDR16_LO relocations with a shared addend.
func reconHiLo(sec *objfile.Section, hi hiRecord, loOff uint32, lo ppc.Inst, syms *objfile.Symbols) []warn.Warning {
	full := uint32(hi.imm)<<16 + uint32(lo.Imm)
	target, ok := syms.ForRelocation(full, objfile.RelocAddr16Hi)
	if !ok {
		return []warn.Warning{warn.New(sec.Address+hi.offset, sec.Index,
			"hi/lo pair materializes %#010x with no covering symbol", full)}
	}
	addend := int64(full) - int64(syms.At(target).Address)

	// §4.4: addis+ori pairs use the truncating ADDR16_HI, since ori
	// zero-extends its immediate rather than sign-extending it, so the
	// hi half carries no +0x8000 compensation. Every other lo form
	// (addi, load/store) sign-extends, so the hi half is ADDR16_HA,
	// which compensates for that sign extension. The two forms produce
	// identical bytes when the lo half's top bit is 0; warn when that
	// ambiguity applies so a human can confirm the choice against other
	// evidence (e.g. a neighboring pair of known provenance).
	kind := objfile.RelocAddr16Ha
	var warnings []warn.Warning
	if isOriForm(lo) {
		kind = objfile.RelocAddr16Hi
	} else if lo.Imm&0x8000 == 0 {
		warnings = append(warnings, warn.Ambiguous(sec.Address+hi.offset, sec.Index,
			"hi half at %#010x is ambiguous between ADDR16_HI and ADDR16_HA (lo half does not sign-extend); defaulting to ADDR16_HA", sec.Address+hi.offset))
	}

	sec.Relocs = append(sec.Relocs, objfile.Reloc{Offset: hi.offset, Kind: kind, Target: target, Addend: addend})
	sec.Relocs = append(sec.Relocs, objfile.Reloc{Offset: loOff, Kind: objfile.RelocAddr16Lo, Target: target, Addend: addend})
	return warnings
}

// isSdaRelative reports whether inst's base register (Ra) is r2 or
// r13, the registers CodeWarrior reserves for _SDA2_BASE_ and
// _SDA_BASE_ respectively (spec §3, §4.4).
func isSdaRelative(inst ppc.Inst, opts Options) bool {
	if !inst.IsDForm {
		return false
	}
	return (inst.Ra == 13 && opts.SdaBase != nil) || (inst.Ra == 2 && opts.Sda2Base != nil)
}

// reconSda reconstructs an EMB_SDA21-style relocation for a single
// load/store whose displacement is relative to r13/_SDA_BASE_ or
// r2/_SDA2_BASE_ rather than part of a hi/lo pair.
func reconSda(sec *objfile.Section, off uint32, inst ppc.Inst, syms *objfile.Symbols, opts Options) []warn.Warning {
	var base uint32
	if inst.Ra == 13 {
		base = *opts.SdaBase
	} else {
		base = *opts.Sda2Base
	}
	full := uint32(int64(base) + int64(inst.Imm))
	target, ok := syms.ForRelocation(full, objfile.RelocSdaRel)
	if !ok {
		return []warn.Warning{warn.New(sec.Address+off, sec.Index,
			"SDA-relative access at %#010x (base %#010x) has no covering symbol", full, base)}
	}
	addend := int64(full) - int64(syms.At(target).Address)
	sec.Relocs = append(sec.Relocs, objfile.Reloc{Offset: off, Kind: objfile.RelocSdaRel, Target: target, Addend: addend})
	return nil
}

// ReconstructDataWords scans a non-code section's 32-bit-aligned words
// for non-zero values that the caller's covers predicate accepts and
// emits ADDR32 relocations for them — the "tentative data word" rule
// in spec §4.4, used for .data/.rodata/.ctors/.dtors pointer tables.
func ReconstructDataWords(sec *objfile.Section, syms *objfile.Symbols, covers func(addr uint32) bool) []warn.Warning {
	var warnings []warn.Warning
	for off := uint32(0); off+4 <= uint32(len(sec.Data)); off += 4 {
		word := uint32(sec.Data[off])<<24 | uint32(sec.Data[off+1])<<16 | uint32(sec.Data[off+2])<<8 | uint32(sec.Data[off+3])
		if word == 0 || !covers(word) {
			continue
		}
		target, ok := syms.ForRelocation(word, objfile.RelocAbsolute)
		if !ok {
			warnings = append(warnings, warn.New(sec.Address+off, sec.Index,
				"data word %#010x at offset %#x looks like a pointer but has no covering symbol", word, off))
			continue
		}
		addend := int64(word) - int64(syms.At(target).Address)
		sec.Relocs = append(sec.Relocs, objfile.Reloc{Offset: off, Kind: objfile.RelocAbsolute, Target: target, Addend: addend})
	}
	return warnings
}

// Validate reports an error if any of sec's relocations runs past the
// end of sec's data or has no target symbol. It does not re-encode the
// relocations or compare them with sec's bytes, and syms is not
// consulted. cmd/dolsplit does not call it.
func Validate(sec *objfile.Section, syms *objfile.Symbols) error {
	for _, r := range sec.Relocs {
		if r.Offset+4 > uint32(len(sec.Data)) {
			return fmt.Errorf("relocrecon: relocation at offset %#x exceeds section %q length %#x", r.Offset, sec.Name, len(sec.Data))
		}
		if r.Target == objfile.NoSym {
			return fmt.Errorf("relocrecon: unresolved relocation target at offset %#x in %q", r.Offset, sec.Name)
		}
	}
	return nil
}
