// Package cfa implements the Control-Flow Analyzer (spec §4.3): it
// traces reachable code from entry points, forms basic blocks, infers
// function extents, and applies the tail-call heuristic to decide
// whether an unconditional branch stays inside the current function
// or starts a new one.
package cfa

import (
	"fmt"
	"sort"

	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/ppc"
	"github.com/dolsplit/dolsplit/internal/warn"
)

// Block is one basic block: a straight-line run of instructions ending
// at a branch, call or return.
type Block struct {
	Start, End uint32 // [Start, End)
}

// Function is a recovered function: its address range (the convex
// hull of its reachable blocks, per spec §4.3 step 4) and the blocks
// that make it up.
type Function struct {
	Start, End uint32
	Blocks     []Block
	Ambiguous  bool // set by resolveOverlaps on a demoted seed; demoted seeds are dropped, so returned functions have it false
}

// Result is the Control-Flow Analyzer's output for one section.
type Result struct {
	Functions []Function
	Labels    []uint32 // branch targets that stayed within their caller's function
}

// KnownFunctionSizes lets callers (the Signature Matcher, or extab
// parsing) pre-register functions whose address and size are already
// certain, so the tail-call heuristic's "target is already a known
// function" clause (spec §4.3 step 3.i) can fire immediately instead
// of waiting for CFA to discover them by tracing.
type KnownFunctionSizes map[uint32]uint32

// Analyze runs the algorithm from spec §4.3 over a single code
// section. seeds are entry points given as absolute addresses (DOL
// entry, constructor/destructor targets, REL exports, user symbols);
// seeds outside [base, base+len(code)) are skipped. code is the
// section's raw bytes, base its load address.
func Analyze(base uint32, code []byte, seeds []uint32, known KnownFunctionSizes) (Result, []warn.Warning) {
	a := &analyzer{base: base, code: code, known: known, visited: map[uint32]bool{}}
	pending := append([]uint32(nil), seeds...)
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	for len(pending) > 0 {
		seed := pending[0]
		pending = pending[1:]
		if a.visited[seed] || seed < base || seed >= base+uint32(len(code)) {
			continue
		}
		fn := a.traceFunction(seed)
		a.funcs = append(a.funcs, fn)
		for _, t := range a.newSeeds {
			if !a.visited[t] {
				pending = append(pending, t)
			}
		}
		a.newSeeds = a.newSeeds[:0]
	}

	sort.Slice(a.funcs, func(i, j int) bool { return a.funcs[i].Start < a.funcs[j].Start })
	resolveOverlaps(a)

	return Result{Functions: a.funcs, Labels: a.labels}, a.warnings
}

type analyzer struct {
	base     uint32
	code     []byte
	known    KnownFunctionSizes
	visited  map[uint32]bool
	funcs    []Function
	labels   []uint32
	newSeeds []uint32
	warnings []warn.Warning
}

// traceFunction walks forward from seed, forming basic blocks until
// every reachable path has terminated at a return, an unconditional
// branch classified as a tail call, or the end of the section (spec
// §4.3 steps 2-4).
func (a *analyzer) traceFunction(seed uint32) Function {
	a.visited[seed] = true
	fn := Function{Start: seed, End: seed}

	work := []uint32{seed}
	seenBlockStart := map[uint32]bool{}
	for len(work) > 0 {
		pc := work[0]
		work = work[1:]
		if seenBlockStart[pc] {
			continue
		}
		seenBlockStart[pc] = true

		blockStart := pc
		for {
			if pc+4 > a.base+uint32(len(a.code)) {
				break
			}
			off := pc - a.base
			inst, err := ppc.Decode(a.code[off:], pc)
			if err != nil {
				break
			}
			next := pc + 4
			fn.End = maxu32(fn.End, next)

			switch {
			case inst.IsCall && inst.HasBranchTarget:
				a.newSeeds = append(a.newSeeds, inst.BranchTarget)
				pc = next
				continue

			case inst.IsReturnLike:
				fn.Blocks = append(fn.Blocks, Block{blockStart, next})
				goto doneBlock

			case inst.IsUnconditionalBranch && inst.HasBranchTarget:
				if a.isTailCall(inst.BranchTarget, fn) {
					fn.Blocks = append(fn.Blocks, Block{blockStart, next})
					a.newSeeds = append(a.newSeeds, inst.BranchTarget)
					goto doneBlock
				}
				fn.Blocks = append(fn.Blocks, Block{blockStart, next})
				work = append(work, inst.BranchTarget)
				goto doneBlock

			case inst.IsConditionalBranch && inst.HasBranchTarget:
				fn.Blocks = append(fn.Blocks, Block{blockStart, next})
				work = append(work, next, inst.BranchTarget)
				if inst.BranchTarget < fn.Start || inst.BranchTarget >= fn.End {
					a.labels = append(a.labels, inst.BranchTarget)
				}
				goto doneBlock

			default:
				pc = next
			}
		}
		fn.Blocks = append(fn.Blocks, Block{blockStart, pc})
	doneBlock:
		fn.Start = minu32(fn.Start, blockStart)
	}
	return fn
}

// isTailCall implements spec §4.3 step 3's tail-call heuristic: a `b`
// target outside the current function's bounds is a tail call iff it
// is already in KnownFunctionSizes or looks like a prologue. There is
// no separate function-pointer-table check: a table target counts only
// if the caller put it in KnownFunctionSizes. cmd/dolsplit passes
// Object.KnownFunctions, which holds the extabindex entries; .ctors and
// .dtors targets are not added to it. A target judged a tail call is
// queued as a new seed.
func (a *analyzer) isTailCall(target uint32, fn Function) bool {
	if target >= fn.Start && target < fn.End {
		return false // stays inside current function: ordinary control flow
	}
	if _, known := a.known[target]; known {
		return true
	}
	if target+12 <= a.base+uint32(len(a.code)) {
		if looksLikePrologue(a.code[target-a.base:]) {
			return true
		}
	}
	return false
}

// looksLikePrologue matches spec §4.3 step 3.ii: stwu r1, a move of lr
// into a save register, and a store (stw or stwu), the CodeWarrior
// function entry idiom. Which register the third word stores is not
// checked.
func looksLikePrologue(code []byte) bool {
	if len(code) < 12 {
		return false
	}
	i0, err := ppc.Decode(code[0:4], 0)
	if err != nil {
		return false
	}
	i1, err := ppc.Decode(code[4:8], 0)
	if err != nil {
		return false
	}
	i2, err := ppc.Decode(code[8:12], 0)
	if err != nil {
		return false
	}
	isStwu := i0.Raw>>26 == 37 && (i0.Raw>>16)&0x1f == 1 // stwu with rA = r1
	isMflr := i1.Raw&0xfc1fffff == 0x7c0802a6
	isSave := i2.Raw>>26 == 36 || i2.Raw>>26 == 37 // stw or stwu
	return isStwu && isMflr && isSave
}

// resolveOverlaps implements spec §4.3 step 5: when two seeds' hulls
// overlap, the earlier-address seed wins and the later seed is demoted
// to a label, with an Ambiguous warning. Every overlapping later seed
// is demoted: external references to it are not checked, and none is
// kept as a function.
func resolveOverlaps(a *analyzer) {
	var kept []Function
	for i := 0; i < len(a.funcs); i++ {
		f := a.funcs[i]
		if len(kept) > 0 {
			prev := &kept[len(kept)-1]
			if f.Start < prev.End {
				f.Ambiguous = true
				a.warnings = append(a.warnings, warn.Ambiguous(f.Start, 0,
					fmt.Sprintf("function at %#010x overlaps preceding function [%#010x,%#010x); demoted to label", f.Start, prev.Start, prev.End)))
				a.labels = append(a.labels, f.Start)
				continue
			}
		}
		kept = append(kept, f)
	}
	a.funcs = kept
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// SeedsFromObject collects the entry points spec §4.3 step 1 lists:
// the main entry, constructor/destructor table targets already known
// on the Object, REL exports/prolog/epilog/unresolved (carried as
// SecondaryEntry by the Loader), and any user-provided symbols of
// kind Function.
func SeedsFromObject(o *objfile.Object) []uint32 {
	seeds := []uint32{o.Entry}
	seeds = append(seeds, o.SecondaryEntry...)
	for addr := range o.KnownFunctions {
		seeds = append(seeds, addr)
	}
	for _, sym := range o.Symbols.All() {
		if sym.Kind == objfile.SymFunction {
			seeds = append(seeds, sym.Address)
		}
	}
	return seeds
}
