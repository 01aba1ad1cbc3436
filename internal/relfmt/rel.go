// Package relfmt implements the Binary Loader's REL half (spec §4.1,
// §6): GameCube/Wii relocatable modules, parsed but not applied — the
// load address stays symbolic (module id + offset) until rel merge
// assigns REL modules their place after the DOL image.
package relfmt

import (
	"fmt"

	"github.com/dolsplit/dolsplit/internal/binio"
	"github.com/dolsplit/dolsplit/internal/objfile"
)

// Header is the REL module header, per spec §6.
type Header struct {
	ID              uint32
	Next, Prev      uint32
	NumSections     uint32
	SectionInfoOff  uint32
	NameOffset      uint32
	NameSize        uint32
	Version         uint32
	BssSize         uint32
	RelOffset       uint32
	ImpOffset       uint32
	ImpSize         uint32
	PrologSection   uint8
	EpilogSection   uint8
	UnresolvedSec   uint8
	_pad            uint8
	PrologOffset    uint32
	EpilogOffset    uint32
	UnresolvedOff   uint32
	Align           uint32
	BssAlign        uint32
	FixSize         uint32
}

// SectionInfo mirrors one section-info table entry: bit 0 of Offset is
// the executable flag, per spec §6.
type SectionInfo struct {
	Offset     uint32
	Length     uint32
	Executable bool
}

// Module is a parsed but unmerged REL, addressed symbolically by
// (ModuleID, section, offset) until Merge assigns it a real base.
type Module struct {
	Header   Header
	Sections []SectionInfo
	RawData  [][]byte // per section-info entry, nil for bss (length with no bytes)
	Relocs   []RawReloc
}

// RawReloc is one entry of the REL relocation stream, still addressed
// by (module id, section, offset) — not yet converted to an
// objfile.Reloc, since that requires a target symbol, which requires
// the merged address space (internal/relfmt's Merge, or ultimately the
// Relocation Reconstructor for self-relocations already present in
// the stream).
type RawReloc struct {
	OffsetFromPrev uint16
	Type           RelocOp
	TargetSection  uint8
	Addend         uint32
	SourceSection  uint8
	SourceOffset   uint32
}

// RelocOp is the REL relocation stream's own opcode set, distinct
// from objfile.RelocKind: most map 1:1 onto the CodeWarrior PowerPC
// ABI kinds, but R_DOLPHIN_NOP/SECTION/END are stream control opcodes
// with no objfile.RelocKind equivalent.
type RelocOp uint8

const (
	OpNone RelocOp = iota
	OpAddr32
	OpAddr24
	OpAddr16
	OpAddr16Lo
	OpAddr16Hi
	OpAddr16Ha
	OpAddr14
	_
	_
	OpRel24
	OpRel14
	_
	_
	_
	_
	_
	_
	_
	_
	_
	OpDolphinNop    RelocOp = 201
	OpDolphinSection RelocOp = 202
	OpDolphinEnd    RelocOp = 203
	OpDolphinMrkRef RelocOp = 204
)

func Parse(data []byte) (*Module, error) {
	if len(data) < 0x4c {
		return nil, fmt.Errorf("rel: file too small for header (%d bytes)", len(data))
	}
	d := binio.NewDecoder(data)
	var h Header
	var err error
	read := func(dst *uint32) {
		if err != nil {
			return
		}
		*dst, err = d.U32()
	}
	read(&h.ID)
	read(&h.Next)
	read(&h.Prev)
	read(&h.NumSections)
	read(&h.SectionInfoOff)
	read(&h.NameOffset)
	read(&h.NameSize)
	read(&h.Version)
	read(&h.BssSize)
	read(&h.RelOffset)
	read(&h.ImpOffset)
	read(&h.ImpSize)
	if err != nil {
		return nil, err
	}
	// prolog/epilog/unresolved section+offset are version>=1 fields,
	// laid out starting at 0x30 (0x2c-0x2f is ImpSize, read above).
	d.SeekTo(0x30)
	b, err := d.U8()
	if err != nil {
		return nil, err
	}
	h.PrologSection = b
	b, err = d.U8()
	if err != nil {
		return nil, err
	}
	h.EpilogSection = b
	b, err = d.U8()
	if err != nil {
		return nil, err
	}
	h.UnresolvedSec = b
	d.SeekTo(0x34)
	if h.PrologOffset, err = d.U32(); err != nil {
		return nil, err
	}
	if h.EpilogOffset, err = d.U32(); err != nil {
		return nil, err
	}
	if h.UnresolvedOff, err = d.U32(); err != nil {
		return nil, err
	}
	if h.Align, err = d.U32(); err != nil {
		return nil, err
	}
	if h.BssAlign, err = d.U32(); err != nil {
		return nil, err
	}
	if h.FixSize, err = d.U32(); err != nil {
		return nil, err
	}

	m := &Module{Header: h}
	d.SeekTo(h.SectionInfoOff)
	m.Sections = make([]SectionInfo, h.NumSections)
	m.RawData = make([][]byte, h.NumSections)
	for i := uint32(0); i < h.NumSections; i++ {
		raw, err := d.U32()
		if err != nil {
			return nil, err
		}
		length, err := d.U32()
		if err != nil {
			return nil, err
		}
		si := SectionInfo{Offset: raw &^ 1, Length: length, Executable: raw&1 != 0}
		m.Sections[i] = si
		if si.Offset != 0 && si.Length != 0 {
			if uint64(si.Offset)+uint64(si.Length) > uint64(len(data)) {
				return nil, fmt.Errorf("rel: section %d data exceeds file size", i)
			}
			m.RawData[i] = append([]byte(nil), data[si.Offset:si.Offset+si.Length]...)
		}
	}

	relocs, err := parseRelocStream(data, h.RelOffset)
	if err != nil {
		return nil, err
	}
	m.Relocs = relocs
	return m, nil
}

// parseRelocStream decodes the compact relocation stream: records are
// {offsetFromPrev u16, type u8, section u8, addend u32}, terminated by
// an R_DOLPHIN_END, with R_DOLPHIN_SECTION records switching the
// current source section and resetting the running offset, per spec
// §6 "a compact stream keyed by module id with terminator records".
func parseRelocStream(data []byte, off uint32) ([]RawReloc, error) {
	d := binio.NewDecoder(data)
	d.SeekTo(off)
	var out []RawReloc
	var curSection uint8
	var curOffset uint32
	for {
		deltaOff, err := d.U16()
		if err != nil {
			return nil, err
		}
		typ, err := d.U8()
		if err != nil {
			return nil, err
		}
		targetSection, err := d.U8()
		if err != nil {
			return nil, err
		}
		addend, err := d.U32()
		if err != nil {
			return nil, err
		}
		op := RelocOp(typ)
		switch op {
		case OpDolphinEnd:
			return out, nil
		case OpDolphinSection:
			curSection = targetSection
			curOffset = 0
			continue
		case OpDolphinNop:
			curOffset += uint32(deltaOff)
			continue
		}
		curOffset += uint32(deltaOff)
		out = append(out, RawReloc{
			OffsetFromPrev: deltaOff,
			Type:           op,
			TargetSection:  targetSection,
			Addend:         addend,
			SourceSection:  curSection,
			SourceOffset:   curOffset,
		})
	}
}

// ToObject builds an unmerged objfile.Object from a parsed Module: its
// sections carry symbolic addresses of 0 (true load address is
// unknown until Merge), and relocations are NOT applied, per spec
// §4.1. Section kind/name inference for stripped REL sections is left
// to internal/secdata.
func (m *Module) ToObject(name string) *objfile.Object {
	sections := make([]objfile.Section, len(m.Sections))
	for i, si := range m.Sections {
		kind := objfile.SectionUnknown
		if si.Executable {
			kind = objfile.SectionCode
		}
		sections[i] = objfile.Section{
			Kind:         kind,
			Size:         si.Length,
			Data:         m.RawData[i],
			Index:        i,
			ElfIndex:     i,
			SectionKnown: false,
		}
	}
	obj := objfile.NewObject(objfile.KindRelocatable, objfile.ArchPowerPc, name, nil, sections)
	obj.ModuleID = m.Header.ID
	return obj
}
