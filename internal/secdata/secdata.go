// Package secdata implements the Section & Data Analyzer (spec
// §4.6): inferring section kinds for stripped REL sections, classing
// data objects by their byte content (string, wide string, string
// table), and parsing the .ctors/.dtors arrays and extab/extabindex
// exception tables into structured records the Splitter and CFA
// consume.
package secdata

import (
	"github.com/dolsplit/dolsplit/internal/binio"
	"github.com/dolsplit/dolsplit/internal/objfile"
	"github.com/dolsplit/dolsplit/internal/warn"
)

// InferKind guesses a stripped REL section's kind from its flags and
// content, since REL section headers carry no name (spec §4.6 step
// 1). execFlag is the REL section info entry's executable bit, and
// writeFlag is supplied by the caller. A non-executable section with
// no data is classed as bss, whatever its size.
func InferKind(sec *objfile.Section, execFlag, writeFlag bool) objfile.SectionKind {
	if sec.SectionKnown {
		return sec.Kind
	}
	switch {
	case execFlag:
		return objfile.SectionCode
	case sec.Data == nil:
		return objfile.SectionBss
	case !writeFlag:
		return objfile.SectionRodata
	default:
		return objfile.SectionData
	}
}

// ClassifyData infers the DataKind of the object symbol at [addr,
// addr+size) within sec, per spec §4.6 step 2: printable
// NUL-terminated runs become DataString/DataString16, such a run
// followed directly by another string becomes a *Table variant,
// otherwise the kind is left to size-based defaults
// (DataByte4 for a 4-byte object with no string shape, etc).
func ClassifyData(sec *objfile.Section, addr, size uint32) objfile.DataKind {
	off := addr - sec.Address
	if off >= uint32(len(sec.Data)) || size == 0 {
		return objfile.DataUnknown
	}
	end := off + size
	if end > uint32(len(sec.Data)) {
		end = uint32(len(sec.Data))
	}
	region := sec.Data[off:end]

	if isCString(region) {
		if looksLikeStringTable(sec.Data, off, end) {
			return objfile.DataStringTable
		}
		return objfile.DataString
	}
	if isWideCString(region) {
		if looksLikeWideStringTable(sec.Data, off, end) {
			return objfile.DataString16Table
		}
		return objfile.DataString16
	}

	switch size {
	case 1:
		return objfile.DataByte
	case 2:
		return objfile.DataByte2
	case 4:
		return objfile.DataByte4
	case 8:
		return objfile.DataByte8
	default:
		return objfile.DataUnknown
	}
}

func isCString(b []byte) bool {
	if len(b) == 0 || b[len(b)-1] != 0 {
		return false
	}
	for _, c := range b[:len(b)-1] {
		if c == 0 || !isPrintableOrWhitespace(c) {
			return false
		}
	}
	return true
}

func isWideCString(b []byte) bool {
	if len(b) < 2 || len(b)%2 != 0 {
		return false
	}
	if b[len(b)-2] != 0 || b[len(b)-1] != 0 {
		return false
	}
	for i := 0; i+1 < len(b)-1; i += 2 {
		hi, lo := b[i], b[i+1]
		if hi != 0 || !isPrintableOrWhitespace(lo) {
			return false
		}
	}
	return true
}

func isPrintableOrWhitespace(c byte) bool {
	return (c >= 0x20 && c < 0x7f) || c == '\t' || c == '\n' || c == '\r'
}

// looksLikeStringTable reports whether the region immediately
// following [off,end) continues with more NUL-terminated printable
// runs, the signature of a packed string table rather than a single
// isolated string literal.
func looksLikeStringTable(data []byte, off, end uint32) bool {
	if end >= uint32(len(data)) {
		return false
	}
	next := data[end:]
	term := indexByte(next, 0)
	if term <= 0 {
		return false
	}
	return isCString(next[:term+1])
}

func looksLikeWideStringTable(data []byte, off, end uint32) bool {
	if end+2 > uint32(len(data)) {
		return false
	}
	next := data[end:]
	for i := 0; i+1 < len(next); i += 2 {
		if next[i] == 0 && next[i+1] == 0 {
			return i > 0
		}
	}
	return false
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// CtorEntry is one parsed .ctors/.dtors array slot: a function
// pointer the runtime's __init_cpp_exceptions-style code invokes
// during static init/fini.
type CtorEntry struct {
	Offset  uint32
	Address uint32
}

// ParseCtors reads sec (a .ctors or .dtors section) as a packed array
// of 32-bit function pointers, per spec §4.6 step 3. A sentinel zero
// entry terminates the array early when present, mirroring the
// CodeWarrior-emitted layout of a NULL-terminated ctor list; otherwise
// every word in the section is taken as an entry.
func ParseCtors(sec *objfile.Section) ([]CtorEntry, []warn.Warning) {
	var entries []CtorEntry
	var warnings []warn.Warning
	d := binio.NewDecoder(sec.Data)
	for !d.Done() {
		off := d.Pos
		v, err := d.U32()
		if err != nil {
			warnings = append(warnings, warn.New(sec.Address+off, sec.Index, "truncated entry in %s: %v", sec.Name, err))
			break
		}
		if v == 0 {
			break
		}
		entries = append(entries, CtorEntry{Offset: off, Address: v})
	}
	return entries, warnings
}

// ExtabEntry is one parsed extab record: the function it describes
// (by address) and the byte length of its unwind data, which lets the
// Splitter treat the pair as an atomic co-split unit (spec §4.6 step
// 4, §4.7).
type ExtabEntry struct {
	IndexOffset     uint32 // this entry's own offset within the extabindex section
	FunctionAddress uint32
	DataOffset      uint32
	DataSize        uint32
}

// ParseExtabIndex reads an extabindex section: a packed array of
// (function address, extab address, extab size) triples CodeWarrior
// emits to let the runtime find unwind data for a given PC during
// exception propagation. The parsed entries feed
// Object.KnownFunctions (each gives an exact function address; see
// ApplyExtab for the size recorded with it) and the Splitter's
// co-split rule.
func ParseExtabIndex(sec *objfile.Section, extabBase uint32) ([]ExtabEntry, []warn.Warning) {
	var entries []ExtabEntry
	var warnings []warn.Warning
	d := binio.NewDecoder(sec.Data)
	for !d.Done() {
		off := d.Pos
		fn, err1 := d.U32()
		extabAddr, err2 := d.U32()
		extabSize, err3 := d.U32()
		if err1 != nil || err2 != nil || err3 != nil {
			warnings = append(warnings, warn.New(sec.Address+off, sec.Index, "truncated extabindex entry"))
			break
		}
		entries = append(entries, ExtabEntry{
			IndexOffset:     off,
			FunctionAddress: fn,
			DataOffset:      extabAddr - extabBase,
			DataSize:        extabSize,
		})
	}
	return entries, warnings
}

// ApplyExtab registers every extab-derived function on o.KnownFunctions
// so the Control-Flow Analyzer's tail-call heuristic and the
// Splitter's co-split rule can treat these as certain rather than
// inferred (spec §4.3 step 3.i, §4.7's "function with an extab entry
// co-splits with its entry").
func ApplyExtab(o *objfile.Object, entries []ExtabEntry) {
	for _, e := range entries {
		if e.DataSize > 0 {
			o.KnownFunctions[e.FunctionAddress] = e.DataSize
		} else {
			o.KnownFunctions[e.FunctionAddress] = 0
		}
	}
}
