package objfile

import (
	"fmt"
	"sort"
)

// Symbols indexes an Object's symbol table for fast lookup by address
// or name. The index is built from scratch on construction; after
// that, AddDirect (and Add, when it appends) extends it incrementally,
// and Add's in-place renames update the name index. Symbols mutated
// directly through At are not re-indexed.
type Symbols struct {
	syms    []Symbol
	byAddr  map[uint32][]SymID
	addrAsc []uint32 // byAddr keys, sorted, for range queries
	byName  map[string][]SymID
}

func NewSymbols(syms []Symbol) *Symbols {
	s := &Symbols{syms: syms}
	s.reindex()
	return s
}

func (s *Symbols) reindex() {
	s.byAddr = make(map[uint32][]SymID, len(s.syms))
	s.byName = make(map[string][]SymID, len(s.syms))
	for i, sym := range s.syms {
		id := SymID(i)
		s.byAddr[sym.Address] = append(s.byAddr[sym.Address], id)
		if sym.Name != "" {
			s.byName[sym.Name] = append(s.byName[sym.Name], id)
		}
	}
	s.addrAsc = make([]uint32, 0, len(s.byAddr))
	for addr := range s.byAddr {
		s.addrAsc = append(s.addrAsc, addr)
	}
	sort.Slice(s.addrAsc, func(i, j int) bool { return s.addrAsc[i] < s.addrAsc[j] })
}

func (s *Symbols) At(id SymID) *Symbol { return &s.syms[id] }

func (s *Symbols) Len() int { return len(s.syms) }

func (s *Symbols) All() []Symbol { return s.syms }

// AddDirect appends a symbol without attempting to merge it with an
// existing one at the same address. Callers that already know the
// symbol is new (e.g. the Loader, seeding the initial table) should
// use this; everything downstream should use Add.
func (s *Symbols) AddDirect(sym Symbol) SymID {
	id := SymID(len(s.syms))
	s.syms = append(s.syms, sym)
	s.byAddr[sym.Address] = append(s.byAddr[sym.Address], id)
	if sym.Name != "" {
		s.byName[sym.Name] = append(s.byName[sym.Name], id)
	}
	if _, ok := s.indexOfAddr(sym.Address); !ok {
		s.addrAsc = append(s.addrAsc, sym.Address)
		sort.Slice(s.addrAsc, func(i, j int) bool { return s.addrAsc[i] < s.addrAsc[j] })
	}
	return id
}

func (s *Symbols) indexOfAddr(addr uint32) (int, bool) {
	i := sort.Search(len(s.addrAsc), func(i int) bool { return s.addrAsc[i] >= addr })
	if i < len(s.addrAsc) && s.addrAsc[i] == addr {
		return i, true
	}
	return i, false
}

// Add merges in a new observation of a symbol, following the
// merge-on-add semantics of the original analyzer's ObjSymbols::add:
// an existing symbol of a compatible kind at the same address is
// updated in place (sizes reconciled, a `lbl_*` placeholder is
// upgraded by a real name) rather than duplicated; otherwise a new
// symbol is appended. replace controls whether a full replacement
// (name, kind, flags) is allowed or only a size backfill.
func (s *Symbols) Add(in Symbol, replace bool) (SymID, []string) {
	var warnings []string
	for _, id := range s.byAddr[in.Address] {
		existing := s.At(id)
		compatibleKind := existing.Kind == in.Kind ||
			(existing.Kind == SymUnknown && isAutoLabel(existing.Name))
		sameIdentity := existing.Section >= 0 || existing.Name == in.Name
		if !compatibleKind || !sameIdentity {
			continue
		}

		size := existing.Size
		existingSizeKnown := existing.Flags.Has(FlagSizeKnown)
		inSizeKnown := in.Flags.Has(FlagSizeKnown)
		switch {
		case existingSizeKnown && inSizeKnown && existing.Size != in.Size:
			warnings = append(warnings, fmt.Sprintf(
				"conflicting size for %s: was %#x, now %#x", existing.Name, existing.Size, in.Size))
			if replace {
				size = in.Size
			}
		case inSizeKnown:
			size = in.Size
		}

		if !replace {
			if inSizeKnown && !existingSizeKnown {
				existing.Size = in.Size
				existing.Flags |= FlagSizeKnown
			}
			return id, warnings
		}

		name := in.Name
		if name == "" {
			name = existing.Name
		}
		merged := Symbol{
			Name:      name,
			Address:   in.Address,
			Section:   in.Section,
			Size:      size,
			Flags:     (existing.Flags | in.Flags) & ^FlagSizeKnown,
			Kind:      in.Kind,
			Binding:   in.Binding,
			Align:     firstNonZero(in.Align, existing.Align),
			DataKind:  mergeDataKind(existing.DataKind, in.DataKind),
			Demangled: firstNonEmpty(in.Demangled, existing.Demangled),
		}
		if existingSizeKnown || inSizeKnown {
			merged.Flags |= FlagSizeKnown
		}
		if existing.Name != merged.Name {
			s.renameIndex(existing.Name, merged.Name, id)
		}
		*existing = merged
		return id, warnings
	}

	id := s.AddDirect(in)
	return id, warnings
}

func (s *Symbols) renameIndex(oldName, newName string, id SymID) {
	if oldName != "" {
		s.byName[oldName] = removeID(s.byName[oldName], id)
	}
	if newName != "" {
		s.byName[newName] = append(s.byName[newName], id)
	}
}

func removeID(ids []SymID, target SymID) []SymID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func isAutoLabel(name string) bool {
	return len(name) > 4 && name[:4] == "lbl_"
}

func firstNonZero(a, b uint32) uint32 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func mergeDataKind(existing, in DataKind) DataKind {
	if in == DataUnknown {
		return existing
	}
	return in
}

// AtAddress returns every symbol recorded at addr, in table order.
func (s *Symbols) AtAddress(addr uint32) []SymID {
	return s.byAddr[addr]
}

// ByName returns the unique symbol with the given name, or an error if
// there is more than one (names are supposed to be unique within an
// Object; a duplicate means an earlier stage produced two distinct
// synthetic names that collided, which is a bug worth surfacing).
func (s *Symbols) ByName(name string) (SymID, bool, error) {
	ids := s.byName[name]
	switch len(ids) {
	case 0:
		return NoSym, false, nil
	case 1:
		return ids[0], true, nil
	default:
		return NoSym, false, fmt.Errorf("multiple symbols named %q", name)
	}
}

// ForRange iterates symbols whose absolute addresses lie in [lo, hi),
// in address order, skipping absolute symbols (Section < 0).
func (s *Symbols) ForRange(lo, hi uint32) []SymID {
	var out []SymID
	i, _ := s.indexOfAddr(lo)
	for ; i < len(s.addrAsc) && s.addrAsc[i] < hi; i++ {
		for _, id := range s.byAddr[s.addrAsc[i]] {
			if s.At(id).Section >= 0 {
				out = append(out, id)
			}
		}
	}
	return out
}

// relocRank ranks a candidate symbol for ForRelocation: higher wins.
// For hi/lo pairs (ADDR16_HI/HA/LO) a label whose name does not start
// with ".." ranks above a function or object; ".." labels
// (compiler-generated, typically jump-table entries) rank level with
// functions and objects. For every other kind (ADDR32, branches, SDA)
// a function or object ranks above a label. A sized symbol gets one
// extra point, and a section symbol ranks lowest.
func relocRank(sym *Symbol, kind RelocKind) int {
	var rank int
	switch sym.Kind {
	case SymFunction, SymObject:
		switch kind {
		case RelocAddr16Hi, RelocAddr16Ha, RelocAddr16Lo:
			rank = 1
		default:
			rank = 2
		}
	case SymUnknown: // label
		switch kind {
		case RelocAddr16Hi, RelocAddr16Ha, RelocAddr16Lo:
			if len(sym.Name) < 2 || sym.Name[:2] != ".." {
				rank = 3
			} else {
				rank = 1
			}
		default:
			rank = 1
		}
	case SymSection:
		rank = -1
	}
	if sym.Size > 0 {
		rank++
	}
	return rank
}

// ForRelocation finds the symbol that a raw target address should be
// attributed to for a relocation of the given kind: it walks backward
// from target, ranking same-address candidates by relocRank, and falls
// back to the nearest preceding symbol whose size covers the target.
// This mirrors the original analyzer's ObjSymbols::for_relocation,
// which the plain "nearest symbol by address" the distilled spec
// implies is not sufficient for: for a branch, ADDR32 or SDA
// relocation, a zero-sized label sharing an address with a sized
// function must lose to the function.
func (s *Symbols) ForRelocation(target uint32, kind RelocKind) (SymID, bool) {
	i, exact := s.indexOfAddr(target)
	if !exact {
		i--
	}
	for ; i >= 0; i-- {
		addr := s.addrAsc[i]
		ids := s.byAddr[addr]
		best := ids[0]
		if len(ids) > 1 {
			bestRank := relocRank(s.At(best), kind)
			for _, id := range ids[1:] {
				if r := relocRank(s.At(id), kind); r > bestRank {
					best, bestRank = id, r
				}
			}
		}
		sym := s.At(best)
		if sym.Address == target {
			return best, true
		}
		if sym.Size > 0 {
			if sym.Address+sym.Size > target {
				return best, true
			}
			return NoSym, false
		}
	}
	return NoSym, false
}
