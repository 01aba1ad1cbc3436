package split

import (
	"testing"

	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/secdata"
)

func newTestObject() *objfile.Object {
	sec := objfile.Section{Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000, Size: 0x100, Data: make([]byte, 0x100), Index: 0}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, []objfile.Section{sec})
	return o
}

func TestPartitionTwoUnits(t *testing.T) {
	o := newTestObject()
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o"})
	o.AddSplit(0x80003080, objfile.Split{Unit: "b.c.o"})
	o.AddSymbol(objfile.Symbol{Name: "fa", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction}, true)
	o.AddSymbol(objfile.Symbol{Name: "fb", Address: 0x80003080, Section: 0, Kind: objfile.SymFunction}, true)

	units, err := Partition(o)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2: %+v", len(units), units)
	}
	byName := map[string]*Unit{}
	for _, u := range units {
		byName[u.Name] = u
	}
	a, b := byName["a.c.o"], byName["b.c.o"]
	if a == nil || b == nil {
		t.Fatalf("missing expected units: %+v", byName)
	}
	if len(a.Ranges[0]) != 1 || a.Ranges[0][0].End != 0x80003080 {
		t.Errorf("a's ranges = %+v, want one range ending at %#x", a.Ranges[0], 0x80003080)
	}
	if len(a.Symbols) != 1 || a.Symbols[0].Name != "fa" {
		t.Errorf("a's symbols = %+v, want [fa]", a.Symbols)
	}
	if len(b.Symbols) != 1 || b.Symbols[0].Name != "fb" {
		t.Errorf("b's symbols = %+v, want [fb]", b.Symbols)
	}
}

func TestPartitionConflictingSplitsAtSameAddress(t *testing.T) {
	o := newTestObject()
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o"})
	o.AddSplit(0x80003000, objfile.Split{Unit: "b.c.o"})

	_, err := Partition(o)
	if err == nil {
		t.Fatal("expected a conflict error for two units claiming the same address")
	}
}

// TestPartitionConflictingExplicitRanges covers spec §8's S4 scenario:
// two TUs claiming overlapping explicit ranges ([0x80003000,0x80003100)
// and [0x800030F0,0x80003200)) is a fatal configuration error even
// though their start addresses differ, since an open-ended split alone
// can never produce this shape of conflict.
func TestPartitionConflictingExplicitRanges(t *testing.T) {
	o := newTestObject()
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o", End: 0x80003100})
	o.AddSplit(0x800030F0, objfile.Split{Unit: "b.c.o", End: 0x80003200})

	_, err := Partition(o)
	if err == nil {
		t.Fatal("expected a conflict error for two units claiming overlapping explicit ranges")
	}
}

// TestPartitionHonorsExplicitEnd covers the non-conflicting case: an
// explicit End narrower than "open to the next split" must be
// respected rather than stretched out to the next split's start.
func TestPartitionHonorsExplicitEnd(t *testing.T) {
	o := newTestObject()
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o", End: 0x80003040})
	o.AddSplit(0x80003080, objfile.Split{Unit: "b.c.o"})

	units, err := Partition(o)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]*Unit{}
	for _, u := range units {
		byName[u.Name] = u
	}
	a := byName["a.c.o"]
	if a == nil || len(a.Ranges[0]) != 1 || a.Ranges[0][0].End != 0x80003040 {
		t.Errorf("a's ranges = %+v, want one range ending at %#x", a.Ranges[0], 0x80003040)
	}
	def := byName["unsplit__text.o"]
	if def == nil || !def.Contains(0, 0x80003050) {
		t.Errorf("bytes between a's explicit end and b's start should fall to the default owner, got units: %+v", byName)
	}
}

func TestPlaceCommons(t *testing.T) {
	bss := objfile.Section{Name: ".bss", Kind: objfile.SectionBss, Address: 0x80050000, Size: 0x100, Index: 1}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, []objfile.Section{bss})
	o.AddSplit(0x80050000, objfile.Split{Unit: "data.c.o"})

	u := &Unit{Name: "data.c.o", Ranges: map[int][]Range{1: {{0x80050000, 0x80050100}}}}
	u.Symbols = []objfile.Symbol{
		{Name: "g_common_a", Section: 1, Size: 16, Align: 4, Flags: objfile.FlagCommon},
		{Name: "g_common_b", Section: 1, Size: 8, Align: 8, Flags: objfile.FlagCommon},
	}

	if err := PlaceCommons(u, 1); err != nil {
		t.Fatal(err)
	}
	for _, sym := range u.Symbols {
		if sym.Address == 0 {
			t.Errorf("symbol %q was not placed", sym.Name)
		}
		if sym.Address%sym.Align != 0 {
			t.Errorf("symbol %q placed at %#x violates alignment %d", sym.Name, sym.Address, sym.Align)
		}
	}
	if u.Symbols[0].Address == u.Symbols[1].Address {
		t.Errorf("commons overlap: both placed at %#x", u.Symbols[0].Address)
	}
}

func TestPlaceCommonsDoesNotFit(t *testing.T) {
	u := &Unit{Name: "tiny.c.o", Ranges: map[int][]Range{0: {{0x80050000, 0x80050004}}}}
	u.Symbols = []objfile.Symbol{
		{Name: "g_big", Section: 0, Size: 0x100, Align: 4, Flags: objfile.FlagCommon},
	}
	if err := PlaceCommons(u, 0); err == nil {
		t.Fatal("expected an error when a common symbol does not fit")
	}
}

// TestPartitionGivesUnconfiguredCtorsADefaultOwner covers the first
// half of spec §8.5 (co-split completeness): a .ctors section with no
// configured split point must still end up owned by some unit, not
// silently dropped from every emitted object.
func TestPartitionGivesUnconfiguredCtorsADefaultOwner(t *testing.T) {
	text := objfile.Section{Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000, Size: 0x100, Data: make([]byte, 0x100), Index: 0}
	ctors := objfile.Section{Name: ".ctors", Kind: objfile.SectionCtors, Address: 0x80100000, Size: 8, Data: make([]byte, 8), Index: 1}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, []objfile.Section{text, ctors})

	units, err := Partition(o)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, u := range units {
		if len(u.Ranges[1]) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no unit owns .ctors' default range; units: %+v", units)
	}
}

// TestCoSplitCtorsMovesEachEntryToItsFunctionsUnit covers spec §8.5:
// every .ctors entry must end up owned by the same unit as the
// function it points at, even when that unit differs per entry.
func TestCoSplitCtorsMovesEachEntryToItsFunctionsUnit(t *testing.T) {
	text := objfile.Section{Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000, Size: 0x100, Data: make([]byte, 0x100), Index: 0}
	ctors := objfile.Section{Name: ".ctors", Kind: objfile.SectionCtors, Address: 0x80100000, Size: 8, Data: make([]byte, 8), Index: 1}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, []objfile.Section{text, ctors})
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o"})
	o.AddSplit(0x80003080, objfile.Split{Unit: "b.c.o"})

	units, err := Partition(o)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]*Unit{}
	for _, u := range units {
		byName[u.Name] = u
	}
	def, ok := byName["unsplit__ctors.o"]
	if !ok {
		t.Fatalf("expected a default owner for .ctors with no configured split point, got units: %+v", byName)
	}

	offsets := []uint32{0, 4}
	targets := []uint32{0x80003000, 0x80003080} // fa, fb
	CoSplitCtors(o, units, 1, offsets, targets)

	a, b := byName["a.c.o"], byName["b.c.o"]
	if !a.Contains(1, 0x80100000) {
		t.Errorf("a.c.o should now own the ctors entry at offset 0, ranges = %+v", a.Ranges[1])
	}
	if !b.Contains(1, 0x80100004) {
		t.Errorf("b.c.o should now own the ctors entry at offset 4, ranges = %+v", b.Ranges[1])
	}
	if len(def.Ranges[1]) != 0 {
		t.Errorf("default owner should have given up both entries, still owns %+v", def.Ranges[1])
	}
}

// TestCoSplitExtabMovesIndexAndDataToFunctionsUnit covers the
// extabindex/extab half of spec §8.5: both the 12-byte index record
// and its unwind data must follow the function they describe.
func TestCoSplitExtabMovesIndexAndDataToFunctionsUnit(t *testing.T) {
	text := objfile.Section{Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000, Size: 0x100, Data: make([]byte, 0x100), Index: 0}
	extab := objfile.Section{Name: "extab", Kind: objfile.SectionExtab, Address: 0x80200000, Size: 0x40, Data: make([]byte, 0x40), Index: 1}
	extabIndex := objfile.Section{Name: "extabindex", Kind: objfile.SectionExtabIndex, Address: 0x80300000, Size: 24, Data: make([]byte, 24), Index: 2}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, []objfile.Section{text, extab, extabIndex})
	o.AddSplit(0x80003000, objfile.Split{Unit: "a.c.o"})
	o.AddSplit(0x80003080, objfile.Split{Unit: "b.c.o"})

	units, err := Partition(o)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]*Unit{}
	for _, u := range units {
		byName[u.Name] = u
	}

	entries := []secdata.ExtabEntry{
		{IndexOffset: 0, FunctionAddress: 0x80003000, DataOffset: 0, DataSize: 0x20},
		{IndexOffset: 12, FunctionAddress: 0x80003080, DataOffset: 0x20, DataSize: 0x20},
	}
	CoSplitExtab(o, units, 2, 1, entries)

	a, b := byName["a.c.o"], byName["b.c.o"]
	if !a.Contains(2, 0x80300000) || !a.Contains(1, 0x80200000) {
		t.Errorf("a.c.o should own its extabindex record and extab data, index=%+v data=%+v", a.Ranges[2], a.Ranges[1])
	}
	if !b.Contains(2, 0x8030000C) || !b.Contains(1, 0x80200020) {
		t.Errorf("b.c.o should own its extabindex record and extab data, index=%+v data=%+v", b.Ranges[2], b.Ranges[1])
	}
}
