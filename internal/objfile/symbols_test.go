package objfile

import "testing"

func TestAddMergesSizeOnlyWithoutReplace(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "lbl_80003000", Address: 0x80003000, Section: 0, Kind: SymUnknown},
	})
	id, warnings := s.Add(Symbol{
		Name: "lbl_80003000", Address: 0x80003000, Section: 0, Kind: SymUnknown,
		Size: 0x20, Flags: FlagSizeKnown,
	}, false)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	got := s.At(id)
	if got.Size != 0x20 || !got.Flags.Has(FlagSizeKnown) {
		t.Errorf("size backfill failed: %+v", got)
	}
	if got.Name != "lbl_80003000" {
		t.Errorf("replace=false must not rename: got %q", got.Name)
	}
}

func TestAddReplaceUpgradesPlaceholderName(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "lbl_80003000", Address: 0x80003000, Section: 0, Kind: SymFunction},
	})
	id, _ := s.Add(Symbol{
		Name: "DoSomething", Address: 0x80003000, Section: 0, Kind: SymFunction, Binding: BindGlobal,
	}, true)
	got := s.At(id)
	if got.Name != "DoSomething" {
		t.Errorf("expected real name to win, got %q", got.Name)
	}
	byName, found, err := s.ByName("DoSomething")
	if err != nil || !found || byName != id {
		t.Errorf("ByName lookup broken after rename: found=%v err=%v id=%v", found, err, byName)
	}
	if _, found, _ := s.ByName("lbl_80003000"); found {
		t.Error("old name should no longer resolve after rename")
	}
}

func TestAddConflictingSizeWarns(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "f", Address: 0x80003000, Section: 0, Kind: SymFunction, Size: 0x10, Flags: FlagSizeKnown},
	})
	_, warnings := s.Add(Symbol{
		Name: "f", Address: 0x80003000, Section: 0, Kind: SymFunction, Size: 0x20, Flags: FlagSizeKnown,
	}, true)
	if len(warnings) != 1 {
		t.Fatalf("expected one conflicting-size warning, got %v", warnings)
	}
}

func TestAddDistinctIdentityAppendsNewSymbol(t *testing.T) {
	// Two absolute (Section < 0) symbols with different names at the
	// same address are distinct identities: a section-less symbol only
	// merges with an existing entry of the same name.
	s := NewSymbols([]Symbol{
		{Name: "_SDA_BASE_", Address: 0x804a0000, Section: -1, Kind: SymUnknown},
	})
	s.Add(Symbol{Name: "_other_scalar", Address: 0x804a0000, Section: -1, Kind: SymUnknown}, true)
	if s.Len() != 2 {
		t.Fatalf("expected a distinct-identity symbol to be appended, Len() = %d", s.Len())
	}
}

func TestForRelocationPrefersSizedFunctionOverZeroSizedLabel(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "jtab_entry", Address: 0x80003000, Section: 0, Kind: SymUnknown},
		{Name: "DoThing", Address: 0x80003000, Section: 0, Kind: SymFunction, Size: 0x40, Flags: FlagSizeKnown},
	})
	id, ok := s.ForRelocation(0x80003000, RelocRel24)
	if !ok {
		t.Fatal("expected a match")
	}
	if s.At(id).Name != "DoThing" {
		t.Errorf("ForRelocation picked %q, want DoThing", s.At(id).Name)
	}
}

func TestForRelocationFallsBackToCoveringPrecedingSymbol(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "g_buffer", Address: 0x80004000, Section: 0, Kind: SymObject, Size: 0x100, Flags: FlagSizeKnown},
	})
	id, ok := s.ForRelocation(0x80004010, RelocAbsolute)
	if !ok {
		t.Fatal("expected the offset within g_buffer to resolve")
	}
	if s.At(id).Name != "g_buffer" {
		t.Errorf("got %q", s.At(id).Name)
	}
	if _, ok := s.ForRelocation(0x80004200, RelocAbsolute); ok {
		t.Error("expected an address past g_buffer's size to fail to resolve")
	}
}

func TestAtAddressAndByName(t *testing.T) {
	s := NewSymbols([]Symbol{
		{Name: "a", Address: 0x80003000, Section: 0},
		{Name: "b", Address: 0x80003000, Section: 0},
	})
	if ids := s.AtAddress(0x80003000); len(ids) != 2 {
		t.Fatalf("AtAddress returned %d ids, want 2", len(ids))
	}
	if _, _, err := s.ByName("a"); err != nil {
		t.Errorf("unexpected error for unique name: %v", err)
	}
}
