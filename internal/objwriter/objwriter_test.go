package objwriter

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

func TestWriteProducesValidELFHeader(t *testing.T) {
	text := &objfile.Section{
		Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000,
		Size: 8, Data: []byte{0x4e, 0x80, 0x00, 0x20, 0, 0, 0, 0}, Index: 0,
	}
	syms := []objfile.Symbol{
		{Name: "my_func", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction, Size: 4, Binding: objfile.BindGlobal},
	}
	all := objfile.NewSymbols(syms)

	out, err := Write([]*objfile.Section{text}, []string{".text"}, syms, all)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 52 {
		t.Fatalf("output too short to hold an ELF header: %d bytes", len(out))
	}
	if string(out[0:4]) != "\x7fELF" {
		t.Fatalf("bad ELF magic: %x", out[0:4])
	}
	if out[4] != 1 {
		t.Errorf("ELFCLASS = %d, want 1 (ELFCLASS32)", out[4])
	}
	if out[5] != 2 {
		t.Errorf("ELFDATA = %d, want 2 (ELFDATA2MSB)", out[5])
	}
}

func TestWriteRejectsSymbolOutsideUnit(t *testing.T) {
	text := &objfile.Section{Name: ".text", Address: 0x80003000, Size: 4, Data: []byte{0, 0, 0, 0}, Index: 0}
	syms := []objfile.Symbol{
		{Name: "elsewhere", Address: 0x80004000, Section: 7, Kind: objfile.SymFunction},
	}
	all := objfile.NewSymbols(syms)
	if _, err := Write([]*objfile.Section{text}, []string{".text"}, syms, all); err == nil {
		t.Fatal("expected an error for a symbol referencing a section outside this unit")
	}
}

func TestWriteOrdersLocalsBeforeGlobals(t *testing.T) {
	text := &objfile.Section{Name: ".text", Address: 0x80003000, Size: 4, Data: []byte{0, 0, 0, 0}, Index: 0}
	syms := []objfile.Symbol{
		{Name: "g_visible", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction, Binding: objfile.BindGlobal},
		{Name: "l_hidden", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction, Binding: objfile.BindLocal},
	}
	all := objfile.NewSymbols(syms)
	out, err := Write([]*objfile.Section{text}, []string{".text"}, syms, all)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatal("empty output")
	}
	f, err := elf.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	elfSyms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	if len(elfSyms) != 2 || elfSyms[0].Name != "l_hidden" || elfSyms[1].Name != "g_visible" {
		t.Errorf("symbol order = %+v, want l_hidden before g_visible", elfSyms)
	}
}

// TestWriteEmitsUndefinedSymbolForExternalRelocationTarget covers the
// cross-unit case: a relocation whose target symbol isn't among this
// unit's own syms must encode against a freshly added SHN_UNDEF global
// symbol carrying the target's name, not silently drop the symbol
// index (or resolve to the wrong local symbol by coincidence of index).
func TestWriteEmitsUndefinedSymbolForExternalRelocationTarget(t *testing.T) {
	all := objfile.NewSymbols([]objfile.Symbol{
		{Name: "caller", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction, Size: 4, Binding: objfile.BindGlobal},
		{Name: "callee_in_other_unit", Address: 0x80009000, Section: 1, Kind: objfile.SymFunction, Binding: objfile.BindGlobal},
	})
	calleeID, _, err := all.ByName("callee_in_other_unit")
	if err != nil {
		t.Fatal(err)
	}

	text := &objfile.Section{
		Name: ".text", Kind: objfile.SectionCode, Address: 0x80003000,
		Size: 4, Data: []byte{0x48, 0x00, 0x00, 0x00}, Index: 0,
		Relocs: []objfile.Reloc{{Offset: 0, Kind: objfile.RelocRel24, Target: calleeID}},
	}
	syms := []objfile.Symbol{
		{Name: "caller", Address: 0x80003000, Section: 0, Kind: objfile.SymFunction, Size: 4, Binding: objfile.BindGlobal},
	}

	out, err := Write([]*objfile.Section{text}, []string{".text"}, syms, all)
	if err != nil {
		t.Fatal(err)
	}
	if !containsBytes(out, []byte("callee_in_other_unit")) {
		t.Fatal("expected the external target's name to appear in the output's string table")
	}
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return true
		}
	}
	return false
}

func TestEncodeRelocationsPacksSymbolIndexIntoInfoWord(t *testing.T) {
	all := objfile.NewSymbols([]objfile.Symbol{
		{Name: "target", Address: 0x80003004, Section: 0, Kind: objfile.SymFunction, Binding: objfile.BindGlobal},
	})
	targetID, _, err := all.ByName("target")
	if err != nil {
		t.Fatal(err)
	}
	sec := &objfile.Section{
		Name: ".text", Address: 0x80003000, Size: 8,
		Relocs: []objfile.Reloc{{Offset: 0, Kind: objfile.RelocAbsolute, Target: targetID}},
	}
	resolve := func(id objfile.SymID) (int, error) { return 3, nil }
	data, err := encodeRelocations(sec, resolve)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 {
		t.Fatalf("expected one 8-byte Elf32_Rel record, got %d bytes", len(data))
	}
	info := binary.BigEndian.Uint32(data[4:8])
	if gotSym, gotTyp := info>>8, info&0xff; gotSym != 3 || gotTyp != rPPCAddr32 {
		t.Errorf("r_info = sym %d type %d, want sym 3 type %d", gotSym, gotTyp, rPPCAddr32)
	}
}
