// Package objwriter implements the Writer (spec §4.9): it serializes
// one translation unit's Object view into a relocatable ELF32
// big-endian PowerPC object file byte-for-byte compatible with what
// CodeWarrior's linker (or a modern GNU ld targeting powerpc-eabi)
// expects as input.
//
// Go's standard library debug/elf only reads ELF; it has no writer.
// This package is grounded on wf-tools' go/elf package (file_writer.go
// in particular), which solves the same problem for the same ABI
// family: string-table interning keyed by first-use, and sorting the
// symbol table so every STB_LOCAL symbol precedes the first
// non-local one (required by the ELF symtab layout rule that
// sh_info for .symtab is the index of the first non-local symbol).
package objwriter

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

// PowerPC EABI relocation type numbers, as consumed by a GNU or
// CodeWarrior linker reading this object back in.
const (
	rPPCNone       = 0
	rPPCAddr32     = 1
	rPPCAddr16Lo   = 4
	rPPCAddr16Hi   = 5
	rPPCAddr16Ha   = 6
	rPPCRel24      = 10
	rPPCRel14      = 11
	rPPCEmbSda21   = 109
	rPPCDtpRel32   = 78
	rPPCEmbRelsda  = 116
)

func elfRelocType(k objfile.RelocKind) (uint32, error) {
	switch k {
	case objfile.RelocAbsolute:
		return rPPCAddr32, nil
	case objfile.RelocAddr16Hi:
		return rPPCAddr16Hi, nil
	case objfile.RelocAddr16Ha:
		return rPPCAddr16Ha, nil
	case objfile.RelocAddr16Lo:
		return rPPCAddr16Lo, nil
	case objfile.RelocRel24:
		return rPPCRel24, nil
	case objfile.RelocRel14:
		return rPPCRel14, nil
	case objfile.RelocSdaRel:
		return rPPCEmbSda21, nil
	case objfile.RelocDtpRel:
		return rPPCDtpRel32, nil
	case objfile.RelocRelModuleRel:
		return rPPCEmbRelsda, nil
	default:
		return 0, fmt.Errorf("objwriter: no ELF relocation type for %v", k)
	}
}

// ELF32 constants this writer needs; kept local rather than importing
// debug/elf's, since debug/elf's types are tied to its Reader and this
// package only needs the raw numeric constants for encoding.
const (
	etRel      = 1
	emPPC      = 20
	shtNull    = 0
	shtProgBits = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRel     = 9
	shtNobits  = 8
	shfWrite   = 1
	shfAlloc   = 2
	shfExecInstr = 4
	stbLocal   = 0
	stbGlobal  = 1
	stbWeak    = 2
	sttNotype  = 0
	sttObject  = 1
	sttFunc    = 2
	sttSection = 3
)

// stringTable interns strings keyed by first insertion, following
// wf-tools' stringTable: the first byte is always the empty string so
// offset 0 means "no name".
type stringTable struct {
	offsets map[string]uint32
	buf     []byte
}

func newStringTable() *stringTable {
	return &stringTable{offsets: map[string]uint32{"": 0}, buf: []byte{0}}
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, []byte(s)...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	return off
}

// section is an internal ELF section record being assembled, distinct
// from objfile.Section: it additionally carries the ELF-specific
// bookkeeping (name offset, link/info, final file offset) that only
// matters at serialization time.
type section struct {
	name      string
	nameOff   uint32
	typ       uint32
	flags     uint32
	addr      uint32
	offset    uint32
	size      uint32
	link      uint32
	info      uint32
	addralign uint32
	entsize   uint32
	data      []byte
}

// symbol is the ELF-layout view of an objfile.Symbol, carrying the
// section index and name offset resolved during Write.
type symbol struct {
	nameOff uint32
	value   uint32
	size    uint32
	info    uint8
	shndx   uint16
}

// Write serializes one Unit (in the split.Unit sense: a name plus the
// sections/symbols/relocations owned by it) into an ELF32 big-endian
// relocatable object. secNames must be parallel to secs, giving each
// objfile.Section's on-disk name (CodeWarrior section names, not the
// synthetic ones stripped REL sections carry internally). allSymbols is
// the full Object's symbol table that produced this unit, used to
// resolve a Reloc's Target SymID to a name and address when the target
// lies outside this unit — such a relocation is emitted against an
// undefined (SHN_UNDEF) global symbol for the linker to resolve against
// whichever sibling unit defines it.
func Write(secs []*objfile.Section, secNames []string, syms []objfile.Symbol, allSymbols *objfile.Symbols) ([]byte, error) {
	if len(secs) != len(secNames) {
		return nil, fmt.Errorf("objwriter: %d sections but %d names", len(secs), len(secNames))
	}

	shstrtab := newStringTable()
	strtab := newStringTable()

	var elfSecs []*section
	elfSecs = append(elfSecs, &section{name: ""}) // SHN_UNDEF

	secIndexOf := map[int]int{} // objfile section Index -> elfSecs index
	for i, s := range secs {
		es := &section{
			name:      secNames[i],
			typ:       shtProgBits,
			addr:      s.Address,
			addralign: alignOrOne(s.Align),
			data:      s.Data,
			size:      s.Size,
		}
		if s.Data == nil {
			es.typ = shtNobits
		}
		es.flags = shfAlloc
		if s.Kind == objfile.SectionCode {
			es.flags |= shfExecInstr
		}
		if s.Kind == objfile.SectionData || s.Kind == objfile.SectionBss {
			es.flags |= shfWrite
		}
		elfSecs = append(elfSecs, es)
		secIndexOf[s.Index] = len(elfSecs) - 1
	}

	// Symbol table: locals first, then globals, then weak, stable
	// within each group by name — mirrors wf-tools' sort, needed so
	// sh_info (first non-local index) is well-defined.
	sorted := append([]objfile.Symbol(nil), syms...)
	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := bindingRank(sorted[i].Binding), bindingRank(sorted[j].Binding)
		if bi != bj {
			return bi < bj
		}
		return sorted[i].Name < sorted[j].Name
	})

	elfSyms := []*symbol{{}} // index 0 is always the null symbol
	firstNonLocal := -1
	for i, sym := range sorted {
		shndx := uint16(0)
		if sym.Section >= 0 {
			idx, ok := secIndexOf[sym.Section]
			if !ok {
				return nil, fmt.Errorf("objwriter: symbol %q references section %d not in this unit", sym.Name, sym.Section)
			}
			shndx = uint16(idx)
		}
		info := elfSymInfo(sym)
		if firstNonLocal < 0 && sym.Binding != objfile.BindLocal {
			firstNonLocal = i + 1 // +1 for the null symbol at index 0
		}
		elfSyms = append(elfSyms, &symbol{
			nameOff: strtab.add(sym.Name),
			value:   sym.Address,
			size:    sym.Size,
			info:    info,
			shndx:   shndx,
		})
	}
	if firstNonLocal < 0 {
		firstNonLocal = len(elfSyms)
	}

	// Relocations whose target isn't one of this unit's own symbols
	// reference a sibling unit: give each such target an undefined
	// global symbol, deduped by name, appended after the locals so
	// firstNonLocal (already fixed above) still holds.
	symIndexByAddr := indexSymbolsByIdentity(sorted)
	externIndex := map[string]int{}
	resolveSym := func(id objfile.SymID) (int, error) {
		if id == objfile.NoSym {
			return 0, fmt.Errorf("objwriter: relocation has no target symbol")
		}
		target := allSymbols.At(id)
		if idx, ok := symIndexByAddr[target.Address]; ok {
			return idx, nil
		}
		if idx, ok := externIndex[target.Name]; ok {
			return idx, nil
		}
		idx := len(elfSyms)
		elfSyms = append(elfSyms, &symbol{
			nameOff: strtab.add(target.Name),
			info:    stbGlobal<<4 | sttNotype,
			shndx:   0, // SHN_UNDEF
		})
		externIndex[target.Name] = idx
		return idx, nil
	}

	// Relocation sections, one per section that carries relocations.
	for _, s := range secs {
		if len(s.Relocs) == 0 {
			continue
		}
		relData, err := encodeRelocations(s, resolveSym)
		if err != nil {
			return nil, err
		}
		relSec := &section{
			name:    ".rel" + secNames[secIndexOf[s.Index]-1],
			typ:     shtRel,
			link:    uint32(0), // filled below once .symtab's own index is known
			info:    uint32(secIndexOf[s.Index]),
			entsize: 8,
			data:    relData,
		}
		elfSecs = append(elfSecs, relSec)
	}

	symtabSec := &section{name: ".symtab", typ: shtSymtab, entsize: 16, link: 0, info: uint32(firstNonLocal)}
	strtabSec := &section{name: ".strtab", typ: shtStrtab}
	shstrtabSec := &section{name: ".shstrtab", typ: shtStrtab}
	elfSecs = append(elfSecs, symtabSec, strtabSec, shstrtabSec)
	symtabIdx := len(elfSecs) - 3
	strtabIdx := len(elfSecs) - 2
	shstrtabIdx := len(elfSecs) - 1
	symtabSec.link = uint32(strtabIdx)

	for _, es := range elfSecs {
		if es.typ == shtRel {
			es.link = uint32(symtabIdx)
		}
	}

	for _, es := range elfSecs {
		es.nameOff = shstrtab.add(es.name)
	}

	symtabSec.data = encodeSymbols(elfSyms)
	strtabSec.data = strtab.buf
	shstrtabSec.data = shstrtab.buf

	return encodeELF(elfSecs, shstrtabIdx)
}

func alignOrOne(a uint32) uint32 {
	if a == 0 {
		return 1
	}
	return a
}

func bindingRank(b objfile.Binding) int {
	switch b {
	case objfile.BindLocal:
		return 0
	case objfile.BindGlobal:
		return 1
	default:
		return 2
	}
}

func elfSymInfo(sym objfile.Symbol) uint8 {
	var bind uint8
	switch sym.Binding {
	case objfile.BindLocal:
		bind = stbLocal
	case objfile.BindGlobal:
		bind = stbGlobal
	default:
		bind = stbWeak
	}
	var typ uint8
	switch sym.Kind {
	case objfile.SymFunction:
		typ = sttFunc
	case objfile.SymObject:
		typ = sttObject
	case objfile.SymSection:
		typ = sttSection
	default:
		typ = sttNotype
	}
	return bind<<4 | typ&0xf
}

// indexSymbolsByIdentity maps an objfile.SymID-independent identity
// (address, since sorted no longer carries the original SymID) to
// its position in the sorted, ELF-ordered symbol slice (1-based, to
// account for the null symbol at index 0).
func indexSymbolsByIdentity(sorted []objfile.Symbol) map[uint32]int {
	out := make(map[uint32]int, len(sorted))
	for i, s := range sorted {
		out[s.Address] = i + 1
	}
	return out
}

func encodeRelocations(sec *objfile.Section, resolveSym func(objfile.SymID) (int, error)) ([]byte, error) {
	var buf []byte
	for _, r := range sec.Relocs {
		typ, err := elfRelocType(r.Kind)
		if err != nil {
			return nil, err
		}
		symIdx, err := resolveSym(r.Target)
		if err != nil {
			return nil, fmt.Errorf("objwriter: section %q reloc at %#x: %w", sec.Name, r.Offset, err)
		}
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], r.Offset)
		binary.BigEndian.PutUint32(b[4:8], uint32(symIdx)<<8|typ&0xff)
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

func encodeSymbols(syms []*symbol) []byte {
	buf := make([]byte, 0, len(syms)*16)
	for _, s := range syms {
		var b [16]byte
		binary.BigEndian.PutUint32(b[0:4], s.nameOff)
		binary.BigEndian.PutUint32(b[4:8], s.value)
		binary.BigEndian.PutUint32(b[8:12], s.size)
		b[12] = s.info
		b[13] = 0 // st_other
		binary.BigEndian.PutUint16(b[14:16], s.shndx)
		buf = append(buf, b[:]...)
	}
	return buf
}

// encodeELF lays out and serializes the final file: header, then
// section data in declaration order, then the section header table
// (the layout order wf-tools' Write uses, minus program headers,
// which relocatable objects never carry).
func encodeELF(secs []*section, shstrtabIdx int) ([]byte, error) {
	const ehsize = 52
	const shentsize = 40

	offset := uint32(ehsize)
	for _, s := range secs {
		if s.typ == shtNull {
			continue
		}
		offset = alignUp(offset, alignOrOne(s.addralign))
		if s.typ != shtNobits {
			s.offset = offset
			s.size = uint32(len(s.data))
			offset += s.size
		}
	}
	shoff := offset

	buf := make([]byte, 0, shoff+uint32(len(secs))*shentsize)
	buf = append(buf, make([]byte, ehsize)...)
	writeELFHeader(buf, shoff, uint16(len(secs)), uint16(shstrtabIdx))

	for _, s := range secs {
		if s.typ != shtNull && s.typ != shtNobits {
			for uint32(len(buf)) < s.offset {
				buf = append(buf, 0)
			}
			buf = append(buf, s.data...)
		}
	}
	for uint32(len(buf)) < shoff {
		buf = append(buf, 0)
	}
	for _, s := range secs {
		var sh [shentsize]byte
		binary.BigEndian.PutUint32(sh[0:4], s.nameOff)
		binary.BigEndian.PutUint32(sh[4:8], s.typ)
		binary.BigEndian.PutUint32(sh[8:12], s.flags)
		binary.BigEndian.PutUint32(sh[12:16], s.addr)
		binary.BigEndian.PutUint32(sh[16:20], s.offset)
		binary.BigEndian.PutUint32(sh[20:24], s.size)
		binary.BigEndian.PutUint32(sh[24:28], s.link)
		binary.BigEndian.PutUint32(sh[28:32], s.info)
		binary.BigEndian.PutUint32(sh[32:36], alignOrOne(s.addralign))
		binary.BigEndian.PutUint32(sh[36:40], s.entsize)
		buf = append(buf, sh[:]...)
	}
	return buf, nil
}

func writeELFHeader(buf []byte, shoff uint32, shnum, shstrndx uint16) {
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1    // ELFCLASS32
	buf[5] = 2    // ELFDATA2MSB
	buf[6] = 1    // EV_CURRENT
	binary.BigEndian.PutUint16(buf[16:18], etRel)
	binary.BigEndian.PutUint16(buf[18:20], emPPC)
	binary.BigEndian.PutUint32(buf[20:24], 1)  // e_version
	binary.BigEndian.PutUint16(buf[40:42], 52) // e_ehsize
	binary.BigEndian.PutUint16(buf[42:44], 0)  // e_phentsize
	binary.BigEndian.PutUint16(buf[44:46], 0)  // e_phnum
	binary.BigEndian.PutUint16(buf[46:48], 40) // e_shentsize
	binary.BigEndian.PutUint16(buf[48:50], shnum)
	binary.BigEndian.PutUint16(buf[50:52], shstrndx)
	binary.BigEndian.PutUint32(buf[32:36], shoff)
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
