package objfile

import "fmt"

// Split names a translation unit and the address range within a
// section that the user's configuration assigned to it. End == 0
// means "open", i.e. extends to the next split or the end of the
// section; the Splitter resolves open ends, and rejects any two
// splits whose resolved ranges overlap, before partitioning.
//
// Kept as a map from a section's start address to a slice of Split,
// mirroring the original analyzer's `splits: BTreeMap<address,
// Vec<ObjSplit>>`, so the Splitter can query "what TU owns this
// address" before it has cut any bytes — needed because co-splitting
// (spec §4.7) processes support tables that may be visited before the
// function's own TU boundary is finalized.
type Split struct {
	Unit string
	End  uint32
}

// Object is the top-level in-memory representation produced by the
// Loader and mutated by each analysis stage in pipeline order.
type Object struct {
	Kind         Kind
	Architecture Architecture
	Name         string

	Symbols  *Symbols
	Sections []Section

	Entry          uint32
	SecondaryEntry []uint32

	// Linker-generated scalars. These are ordinary symbols too,
	// but several analyzers need them without a symbol table scan.
	SdaBase     *uint32
	Sda2Base    *uint32
	StackAddr   *uint32
	StackEnd    *uint32
	DbStackAddr *uint32
	ArenaLo     *uint32
	ArenaHi     *uint32

	Splits         map[uint32][]Split
	NamedSections  map[uint32]string
	LinkOrder      []string
	BlockedRanges  map[uint32]uint32 // start -> end, addresses analysis must not treat as code

	// Recovered from extab parsing (spec §4.6): address -> size.
	KnownFunctions map[uint32]uint32

	// REL-specific.
	ModuleID               uint32
	UnresolvedRelocations  []UnresolvedReloc
}

// UnresolvedReloc is a REL relocation that could not be resolved
// against the merged image because its target lives in a module that
// was not supplied, or whose load address is not yet known.
type UnresolvedReloc struct {
	SourceSection int
	Offset        uint32
	Kind          RelocKind
	TargetModule  uint32
	TargetSection int
	TargetOffset  uint32
}

func NewObject(kind Kind, arch Architecture, name string, syms []Symbol, sections []Section) *Object {
	return &Object{
		Kind:           kind,
		Architecture:   arch,
		Name:           name,
		Symbols:        NewSymbols(syms),
		Sections:       sections,
		Splits:         map[uint32][]Split{},
		NamedSections:  map[uint32]string{},
		BlockedRanges:  map[uint32]uint32{},
		KnownFunctions: map[uint32]uint32{},
	}
}

// AddSymbol adds a symbol and, if its name is one of the
// linker-generated scalars, caches its address on the Object.
func (o *Object) AddSymbol(sym Symbol, replace bool) (SymID, []string) {
	switch sym.Name {
	case "_SDA_BASE_":
		addr := sym.Address
		o.SdaBase = &addr
	case "_SDA2_BASE_":
		addr := sym.Address
		o.Sda2Base = &addr
	case "_stack_addr":
		addr := sym.Address
		o.StackAddr = &addr
	case "_stack_end":
		addr := sym.Address
		o.StackEnd = &addr
	case "_db_stack_addr":
		addr := sym.Address
		o.DbStackAddr = &addr
	case "__ArenaLo":
		addr := sym.Address
		o.ArenaLo = &addr
	case "__ArenaHi":
		addr := sym.Address
		o.ArenaHi = &addr
	}
	return o.Symbols.Add(sym, replace)
}

func (o *Object) SectionAt(addr uint32) (*Section, error) {
	for i := range o.Sections {
		if o.Sections[i].Contains(addr) {
			return &o.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("no section contains address %#010x", addr)
}

func (o *Object) SectionFor(start, end uint32) (*Section, error) {
	for i := range o.Sections {
		if o.Sections[i].ContainsRange(start, end) {
			return &o.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("no section contains range %#010x-%#010x", start, end)
}

// SplitFor locates the split owning address, if any.
func (o *Object) SplitFor(address uint32) (uint32, *Split, bool) {
	var bestAddr uint32
	var best *Split
	found := false
	for addr, splits := range o.Splits {
		if addr > address {
			continue
		}
		for i := range splits {
			s := &splits[i]
			if s.End != 0 && s.End <= address {
				continue
			}
			if !found || addr > bestAddr {
				bestAddr, best, found = addr, s, true
			}
		}
	}
	return bestAddr, best, found
}

func (o *Object) AddSplit(address uint32, split Split) {
	o.Splits[address] = append(o.Splits[address], split)
}

// SectionKindForName maps a CodeWarrior-conventional section name to
// its SectionKind, for inputs (unstripped ELF, named REL sections)
// that still carry real names. Stripped REL sections go through the
// Section & Data Analyzer's heuristics instead (internal/secdata).
func SectionKindForName(name string) (SectionKind, error) {
	switch name {
	case ".init", ".text", ".dbgtext", ".vmtext":
		return SectionCode, nil
	case ".ctors":
		return SectionCtors, nil
	case ".dtors":
		return SectionDtors, nil
	case "extab":
		return SectionExtab, nil
	case "extabindex":
		return SectionExtabIndex, nil
	case ".rodata", ".sdata2":
		return SectionRodata, nil
	case ".bss", ".sbss", ".sbss2":
		return SectionBss, nil
	case ".data", ".sdata":
		return SectionData, nil
	default:
		return SectionUnknown, fmt.Errorf("unknown section %q", name)
	}
}
