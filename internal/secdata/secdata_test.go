package secdata

import (
	"testing"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

func TestInferKindExec(t *testing.T) {
	sec := &objfile.Section{Data: []byte{0, 0, 0, 0}}
	if got := InferKind(sec, true, false); got != objfile.SectionCode {
		t.Errorf("got %v, want code", got)
	}
}

func TestInferKindBss(t *testing.T) {
	sec := &objfile.Section{Data: nil}
	if got := InferKind(sec, false, true); got != objfile.SectionBss {
		t.Errorf("got %v, want bss", got)
	}
}

func TestInferKindRodata(t *testing.T) {
	sec := &objfile.Section{Data: []byte{1, 2, 3, 4}}
	if got := InferKind(sec, false, false); got != objfile.SectionRodata {
		t.Errorf("got %v, want rodata", got)
	}
}

func TestClassifyDataString(t *testing.T) {
	sec := &objfile.Section{Address: 0x80004000, Data: []byte("hello\x00")}
	if got := ClassifyData(sec, 0x80004000, 6); got != objfile.DataString {
		t.Errorf("got %v, want DataString", got)
	}
}

func TestClassifyDataStringTable(t *testing.T) {
	sec := &objfile.Section{Address: 0x80004000, Data: []byte("foo\x00bar\x00")}
	if got := ClassifyData(sec, 0x80004000, 4); got != objfile.DataStringTable {
		t.Errorf("got %v, want DataStringTable", got)
	}
}

func TestClassifyDataByte4Fallback(t *testing.T) {
	sec := &objfile.Section{Address: 0x80004000, Data: []byte{0xff, 0x00, 0x00, 0x01}}
	if got := ClassifyData(sec, 0x80004000, 4); got != objfile.DataByte4 {
		t.Errorf("got %v, want DataByte4", got)
	}
}

func TestParseCtorsStopsAtSentinel(t *testing.T) {
	sec := &objfile.Section{
		Address: 0x80020000,
		Data: []byte{
			0x80, 0x00, 0x10, 0x00,
			0x80, 0x00, 0x10, 0x40,
			0x00, 0x00, 0x00, 0x00,
			0x80, 0x00, 0x10, 0x80, // unreachable, after the sentinel
		},
	}
	entries, warnings := ParseCtors(sec)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[1].Offset != 4 {
		t.Errorf("second entry offset = %#x, want 4", entries[1].Offset)
	}
}

func TestParseExtabIndexAndApply(t *testing.T) {
	extabBase := uint32(0x80030000)
	sec := &objfile.Section{
		Address: 0x80040000,
		Data: []byte{
			0x80, 0x00, 0x20, 0x00, // function address
			0x80, 0x03, 0x00, 0x00, // extab address == extabBase
			0x00, 0x00, 0x00, 0x10, // extab size
		},
	}
	entries, warnings := ParseExtabIndex(sec, extabBase)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(entries) != 1 || entries[0].DataSize != 0x10 {
		t.Fatalf("entries = %+v", entries)
	}

	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, nil)
	ApplyExtab(o, entries)
	if o.KnownFunctions[0x80002000] != 0x10 {
		t.Errorf("KnownFunctions[%#x] = %#x, want 0x10", 0x80002000, o.KnownFunctions[0x80002000])
	}
}
