package ppc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/ppc64/ppc64asm"
)

// Inst is a fully classified PowerPC instruction: the raw 4-byte
// encoding, the mnemonic and display syntax from ppc64asm, and the
// operand/predicate classification spec §4.2 requires (is_call,
// is_unconditional_branch, ...). Decode is pure: identical Raw at
// identical PC always yields an identical Inst (spec §4.2, tested by
// TestDisassemblerPurity in decode_test.go).
type Inst struct {
	PC  uint32
	Raw uint32
	Len int

	Mnemonic string
	GNU      string

	IsCall               bool // LK set: bl, bla, bcl, bcla, bclrl
	IsUnconditionalBranch bool // b, ba
	IsConditionalBranch  bool // bc, bca
	IsBranchToLR         bool // bclr and aliases (blr, bclrl)
	IsReturnLike         bool // bclr with BO=20 (branch always), i.e. blr

	HasBranchTarget bool
	BranchTarget    uint32 // valid iff HasBranchTarget; absolute address
	BranchIsAbsolute bool  // AA bit: target is absolute, not PC-relative

	// D-form operand fields, valid for the instructions the
	// Relocation Reconstructor's hi/lo and SDA rules care about
	// (lis, addi, ori, and load/store with displacement).
	IsDForm bool
	Rd, Ra  int
	Imm     int32 // sign-extended 16-bit immediate (zero-extended for ori)
	UImm    uint32 // zero-extended 16-bit immediate (for ori/andi-style ops)
}

// decodeCache memoizes Decode by (pc, raw) so repeated lookups during
// control-flow and relocation analysis don't redundantly pay for
// ppc64asm.Decode's instruction table walk. This does not affect
// purity: the cache is populated lazily from the same deterministic
// computation it would otherwise repeat (spec §4.2, §5).
var decodeCache = newInstCache(4096)

// Decode decodes the 4-byte big-endian instruction at pc. buf must
// have at least 4 bytes available starting at offset 0; callers pass
// a slice into the section's backing array.
func Decode(buf []byte, pc uint32) (Inst, error) {
	if len(buf) < 4 {
		return Inst{}, fmt.Errorf("ppc: short read decoding instruction at %#010x", pc)
	}
	raw := binary.BigEndian.Uint32(buf[:4])
	if cached, ok := decodeCache.get(cacheKey{pc, raw}); ok {
		return cached, nil
	}

	inst := Inst{PC: pc, Raw: raw, Len: 4}

	if dec, err := ppc64asm.Decode(buf[:4], binary.BigEndian); err == nil {
		inst.Mnemonic = dec.Op.String()
		inst.GNU = ppc64asm.GNUSyntax(dec, 0)
	} else {
		inst.Mnemonic = fmt.Sprintf("unknown(%#010x)", raw)
	}

	classify(&inst)
	decodeCache.put(cacheKey{pc, raw}, inst)
	return inst, nil
}

// classify fills in the ABI-level predicate and operand fields from
// the raw PowerPC encoding, independent of ppc64asm's own operand
// model — the bitfield layout (opcode, BO/BI/AA/LK, D-form rD/rA/imm)
// is architecture-defined, not something a disassembly library needs
// to mediate, and hand-extracting it keeps the hi/lo and SDA rules in
// internal/relocrecon simple integer arithmetic.
func classify(i *Inst) {
	raw := i.Raw
	opcd := raw >> 26

	switch opcd {
	case 18: // I-form: b, bl, ba, bla
		aa := (raw>>1)&1 == 1
		lk := raw&1 == 1
		li := int32(raw&0x03fffffc)
		li = signExtend(li, 26)
		i.IsUnconditionalBranch = !lk
		i.IsCall = lk
		i.HasBranchTarget = true
		i.BranchIsAbsolute = aa
		if aa {
			i.BranchTarget = uint32(li)
		} else {
			i.BranchTarget = i.PC + uint32(li)
		}

	case 16: // B-form: bc, bcl, bca, bcla
		aa := (raw>>1)&1 == 1
		lk := raw&1 == 1
		bo := (raw >> 21) & 0x1f
		bd := int32(raw & 0xfffc)
		bd = signExtend(bd, 16)
		i.IsConditionalBranch = true
		i.IsCall = lk
		i.HasBranchTarget = true
		i.BranchIsAbsolute = aa
		if aa {
			i.BranchTarget = uint32(bd)
		} else {
			i.BranchTarget = i.PC + uint32(bd)
		}
		_ = bo

	case 19: // XL-form: bclr, bcctr and friends
		xo := (raw >> 1) & 0x3ff
		lk := raw&1 == 1
		bo := (raw >> 21) & 0x1f
		switch xo {
		case 16: // bclr
			i.IsBranchToLR = true
			i.IsCall = lk
			if bo == 20 {
				i.IsReturnLike = true
			}
		}

	case 14: // addi
		i.IsDForm = true
		i.Rd = int((raw >> 21) & 0x1f)
		i.Ra = int((raw >> 16) & 0x1f)
		i.Imm = signExtend(int32(raw&0xffff), 16)

	case 15: // addis (lis when Ra==0)
		i.IsDForm = true
		i.Rd = int((raw >> 21) & 0x1f)
		i.Ra = int((raw >> 16) & 0x1f)
		i.Imm = int32(int16(raw & 0xffff))
		i.UImm = raw & 0xffff

	case 24: // ori
		i.IsDForm = true
		i.Rd = int((raw >> 16) & 0x1f) // rA is destination for ori
		i.Ra = int((raw >> 21) & 0x1f) // rS is source
		i.UImm = raw & 0xffff
		i.Imm = int32(i.UImm)

	case 32, 33, 34, 35, 36, 37, 38, 39, // lwz(u) lbz(u) stw(u) stb(u)
		40, 41, 42, 43, 44, 45, 46, 47, // lhz(u) lha(u) sth(u) lmw stmw
		48, 49, 50, 51, 52, 53, 54, 55: // lfs(u) lfd(u) stfs(u) stfd(u)
		i.IsDForm = true
		i.Rd = int((raw >> 21) & 0x1f)
		i.Ra = int((raw >> 16) & 0x1f)
		i.Imm = signExtend(int32(raw&0xffff), 16)
	}
}

func signExtend(v int32, bits uint) int32 {
	shift := 32 - bits
	return (v << shift) >> shift
}

type cacheKey struct {
	pc  uint32
	raw uint32
}
