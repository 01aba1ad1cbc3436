// Package objfile defines the in-memory object model shared by every
// pipeline stage: the Loader produces it, the analyzers mutate it in
// place, and the Splitter freezes it into per-TU immutable views.
//
// Symbol identity is always (section index, offset), never a pointer,
// so that Object, Section and Symbol never need to reference each
// other cyclically; lookup tables are rebuilt per pipeline stage
// rather than kept incrementally consistent.
package objfile

import "fmt"

// Architecture identifies the target instruction set. This toolkit
// only ever produces PowerPc, but the type exists so format readers
// can reject inputs for other architectures with a normal error
// instead of an assumption baked into arithmetic.
type Architecture int

const (
	ArchUnknown Architecture = iota
	ArchPowerPc
)

// Kind distinguishes a fully linked executable image from a
// relocatable object produced by the Splitter.
type Kind int

const (
	KindExecutable Kind = iota
	KindRelocatable
)

// SectionKind classifies a Section for the purposes of layout,
// relocation validity and linker-script emission.
type SectionKind int

const (
	SectionUnknown SectionKind = iota
	SectionCode
	SectionData
	SectionRodata
	SectionBss
	SectionCtors
	SectionDtors
	SectionExtab
	SectionExtabIndex
)

func (k SectionKind) String() string {
	switch k {
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionRodata:
		return "rodata"
	case SectionBss:
		return "bss"
	case SectionCtors:
		return "ctors"
	case SectionDtors:
		return "dtors"
	case SectionExtab:
		return "extab"
	case SectionExtabIndex:
		return "extabindex"
	default:
		return "unknown"
	}
}

// IsBss reports whether a section of this kind carries no file bytes.
func (k SectionKind) IsBss() bool { return k == SectionBss }

// SymbolKind classifies what a Symbol names.
type SymbolKind int

const (
	SymUnknown SymbolKind = iota
	SymFunction
	SymObject
	SymLabel
	SymSection
)

// Binding is the ELF-style visibility/linkage class of a Symbol.
type Binding int

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// Flags are independent boolean attributes a Symbol can carry. They
// are a bitset rather than separate bool fields so callers can test
// several at once and so Symbol stays cheap to copy.
type Flags uint8

const (
	FlagHidden      Flags = 1 << 0
	FlagForceActive Flags = 1 << 1
	FlagAutoGen     Flags = 1 << 2
	FlagSizeKnown   Flags = 1 << 3
	FlagCommon      Flags = 1 << 4
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// DataKind refines SymObject symbols with the inferred shape of the
// bytes they cover, per the Section & Data Analyzer (spec §4.6).
type DataKind int

const (
	DataUnknown DataKind = iota
	DataByte
	DataByte2
	DataByte4
	DataByte8
	DataFloat
	DataDouble
	DataString
	DataString16
	DataStringTable
	DataString16Table
)

// RelocKind is the PowerPC ABI relocation set actually emitted by
// CodeWarrior, per spec §3 and §6.
type RelocKind int

const (
	RelocAbsolute RelocKind = iota
	RelocAddr16Hi
	RelocAddr16Ha
	RelocAddr16Lo
	RelocRel24
	RelocRel14
	RelocSdaRel
	RelocDtpRel
	RelocRelModuleRel
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbsolute:
		return "ADDR32"
	case RelocAddr16Hi:
		return "ADDR16_HI"
	case RelocAddr16Ha:
		return "ADDR16_HA"
	case RelocAddr16Lo:
		return "ADDR16_LO"
	case RelocRel24:
		return "REL24"
	case RelocRel14:
		return "REL14"
	case RelocSdaRel:
		return "EMB_SDA21"
	case RelocDtpRel:
		return "DTPREL"
	case RelocRelModuleRel:
		return "REL_MODULE"
	default:
		return fmt.Sprintf("RelocKind(%d)", int(k))
	}
}

// SymID indexes into Object's symbol table. It is stable for the
// lifetime of an Object; the Splitter's units and their relocations
// keep using the Object's SymIDs.
type SymID int

const NoSym SymID = -1

// Symbol is a named location within an Object. Address is an absolute
// virtual address; Section is the index into Object.Sections that
// owns it, or -1 for an absolute (linker-generated) symbol that has no
// section, such as _SDA_BASE_ before it is resolved.
type Symbol struct {
	Name      string
	Address   uint32
	Section   int
	Size      uint32
	Flags     Flags
	Kind      SymbolKind
	Binding   Binding
	Align     uint32
	DataKind  DataKind
	Demangled string
}

func (s *Symbol) HasAddr() bool { return s.Section >= 0 || s.Kind != SymUnknown }

// Reloc is one relocation entry within a Section, ordered by Offset
// within that section.
type Reloc struct {
	Offset uint32
	Kind   RelocKind
	Target SymID
	Addend int64
}

// Section is an ordered, named region of an Object's address space.
type Section struct {
	Name          string
	Kind          SectionKind
	Address       uint32
	Size          uint32
	Align         uint32
	Data          []byte // nil for bss
	Relocs        []Reloc
	Index         int
	ElfIndex      int // REL inputs keep the original ELF section index
	OriginalAddr  uint32
	FileOffset    uint32
	SectionKnown  bool // false when the name/kind had to be inferred (typical for stripped REL)
}

func (s *Section) Contains(addr uint32) bool {
	return addr >= s.Address && addr < s.Address+s.Size
}

func (s *Section) ContainsRange(start, end uint32) bool {
	return start >= s.Address && end <= s.Address+s.Size
}

func (s *Section) End() uint32 { return s.Address + s.Size }
