package cfa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// asm assembles a tiny PowerPC program from big-endian words, for
// tests that need to control control-flow shape precisely.
func asm(words ...uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		buf[i*4+0] = byte(w >> 24)
		buf[i*4+1] = byte(w >> 16)
		buf[i*4+2] = byte(w >> 8)
		buf[i*4+3] = byte(w)
	}
	return buf
}

const (
	blr      = 0x4e800020
	li0r3    = 0x38600000 // addi r3, r0, 0
)

func bl(from, to uint32) uint32 {
	return 0x48000001 | (to-from)&0x03fffffc
}

func b(from, to uint32) uint32 {
	return 0x48000000 | (to-from)&0x03fffffc
}

// TestStraightLineFunction covers spec §8 scenario S1: a single
// function with no internal branches is recovered as one block.
func TestStraightLineFunction(t *testing.T) {
	base := uint32(0x80003000)
	code := asm(li0r3, blr)

	res, warnings := Analyze(base, code, []uint32{base}, nil)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(res.Functions) != 1 {
		t.Fatalf("got %d functions, want 1", len(res.Functions))
	}
	fn := res.Functions[0]
	if fn.Start != base || fn.End != base+8 {
		t.Errorf("function range = [%#x,%#x), want [%#x,%#x)", fn.Start, fn.End, base, base+8)
	}
}

// TestCallDiscoversCallee checks that a bl target becomes its own
// seed even when not listed explicitly.
func TestCallDiscoversCallee(t *testing.T) {
	base := uint32(0x80003000)
	callSite := base
	callee := base + 0x100

	code := make([]byte, 0x104)
	copy(code[0:], asm(bl(callSite, callee), blr))
	copy(code[0x100:], asm(blr))

	res, _ := Analyze(base, code, []uint32{base}, nil)
	var found bool
	for _, fn := range res.Functions {
		if fn.Start == callee {
			found = true
		}
	}
	if !found {
		t.Fatalf("callee at %#x not discovered as a function; functions: %+v", callee, res.Functions)
	}
}

// TestUnconditionalBranchStaysInFunction ensures a forward `b` within
// the function's own span is treated as ordinary control flow, not a
// tail call, per spec §4.3 step 3's "target is within caller's own
// range" exclusion.
func TestUnconditionalBranchStaysInFunction(t *testing.T) {
	base := uint32(0x80003000)
	code := asm(
		b(base, base+8), // skip the next instruction
		0x60000000,      // nop (ori r0,r0,0), would be skipped
		blr,
	)

	res, _ := Analyze(base, code, []uint32{base}, nil)
	if len(res.Functions) != 1 {
		t.Fatalf("got %d functions, want 1 (branch-within-function should not split)", len(res.Functions))
	}
}

// TestTailCallToKnownFunction covers spec §8 scenario S6: an
// unconditional branch to an address already registered as a known
// function is treated as a tail call, ending the caller without
// merging the callee into it.
func TestTailCallToKnownFunction(t *testing.T) {
	base := uint32(0x80003000)
	target := base + 0x40

	code := make([]byte, 0x44)
	copy(code[0:], asm(b(base, target)))
	copy(code[0x40:], asm(blr))

	known := KnownFunctionSizes{target: 4}
	res, _ := Analyze(base, code, []uint32{base}, known)

	var caller, callee *Function
	for i := range res.Functions {
		switch res.Functions[i].Start {
		case base:
			caller = &res.Functions[i]
		case target:
			callee = &res.Functions[i]
		}
	}
	if caller == nil || callee == nil {
		t.Fatalf("expected two distinct functions, got %+v", res.Functions)
	}
	if caller.End > target {
		t.Errorf("caller absorbed callee: caller.End=%#x, target=%#x", caller.End, target)
	}
}

// TestAnalyzeIsDeterministic covers spec §8 property 7: the same
// Object and seed set must produce the same function table and
// warning sequence on repeated runs, so a bare `!=` isn't enough to
// localize a regression across the many fields Result carries.
func TestAnalyzeIsDeterministic(t *testing.T) {
	base := uint32(0x80003000)
	callSite := base
	callee := base + 0x100
	code := make([]byte, 0x104)
	copy(code[0:], asm(bl(callSite, callee), blr))
	copy(code[0x100:], asm(blr))
	seeds := []uint32{base}

	first, firstWarnings := Analyze(base, code, seeds, nil)
	second, secondWarnings := Analyze(base, code, seeds, nil)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Analyze produced different results across runs:\n%s", diff)
	}
	if diff := cmp.Diff(firstWarnings, secondWarnings); diff != "" {
		t.Errorf("Analyze produced different warnings across runs:\n%s", diff)
	}
}

func TestOverlapResolutionEarlierWins(t *testing.T) {
	base := uint32(0x80003000)
	code := asm(li0r3, blr, li0r3, blr)

	// Seed two overlapping starts: base, and base+4 (inside the first
	// function's span). The later seed should be demoted to a label.
	// The first seed's hull is [base, base+8) (li, blr), so base+4 falls
	// inside it.
	res, warnings := Analyze(base, code, []uint32{base, base + 4}, nil)
	for i := 1; i < len(res.Functions); i++ {
		if res.Functions[i].Start < res.Functions[i-1].End {
			t.Fatalf("overlapping functions survived: %+v", res.Functions)
		}
	}
	if len(res.Functions) != 1 || res.Functions[0].Start != base {
		t.Fatalf("got functions %+v, want only the one at %#x", res.Functions, base)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d warnings, want 1 for the demoted seed", len(warnings))
	}
}
