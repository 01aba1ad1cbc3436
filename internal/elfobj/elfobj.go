// Package elfobj reads an unstripped ELF build of the same game as a
// source of ground-truth symbols, used to seed the Control-Flow
// Analyzer and Signature Matcher when the user has one available
// (spec §4.1, SPEC_FULL §4.1). Unlike the DOL/REL loaders, this uses
// the standard library's debug/elf reader directly: spec §1 treats
// "DOL<->ELF format conversion" as a thin serializer feeding the
// core, and debug/elf already is exactly that for reading. It cannot
// write, so the Writer (internal/objwriter) does not use it.
package elfobj

import (
	"debug/elf"
	"fmt"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

// Load parses r as an ELF32 big-endian PowerPC object and returns a
// seed symbol list: (name, address, size, kind, binding). Only
// STT_FUNC and STT_OBJECT symbols with a real section are returned;
// everything else (STT_FILE, STT_NOTYPE with no section, undefined
// imports) carries no information the analyzers downstream can use.
func Load(r *elf.File) ([]objfile.Symbol, error) {
	if r.Class != elf.ELFCLASS32 || r.Data != elf.ELFDATA2MSB {
		return nil, fmt.Errorf("elfobj: expected ELF32 big-endian, got class=%v data=%v", r.Class, r.Data)
	}
	if r.Machine != elf.EM_PPC {
		return nil, fmt.Errorf("elfobj: expected EM_PPC, got %v", r.Machine)
	}

	syms, err := r.Symbols()
	if err != nil {
		return nil, fmt.Errorf("elfobj: reading symbol table: %w", err)
	}

	out := make([]objfile.Symbol, 0, len(syms))
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Section >= elf.SectionIndex(len(r.Sections)) {
			continue
		}
		var kind objfile.SymbolKind
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			kind = objfile.SymFunction
		case elf.STT_OBJECT:
			kind = objfile.SymObject
		default:
			continue
		}
		binding := objfile.BindGlobal
		switch elf.ST_BIND(s.Info) {
		case elf.STB_LOCAL:
			binding = objfile.BindLocal
		case elf.STB_WEAK:
			binding = objfile.BindWeak
		}
		flags := objfile.Flags(0)
		if s.Size > 0 {
			flags |= objfile.FlagSizeKnown
		}
		out = append(out, objfile.Symbol{
			Name:    s.Name,
			Address: uint32(s.Value),
			Size:    uint32(s.Size),
			Kind:    kind,
			Binding: binding,
			Flags:   flags,
		})
	}
	return out, nil
}
