package relfmt

import (
	"encoding/binary"
	"testing"
)

// buildREL assembles a minimal REL module: a header, one executable
// section with four bytes of code, and a relocation stream that emits
// one R_PPC_ADDR32 then terminates with R_DOLPHIN_END.
func buildREL(t *testing.T) []byte {
	t.Helper()
	const headerLen = 0x4c
	const secInfoOff = headerLen
	const numSections = 1
	secData := []byte{0x4e, 0x80, 0x00, 0x20}
	secDataOff := uint32(secInfoOff + numSections*8)
	relOff := secDataOff + uint32(len(secData))

	buf := make([]byte, relOff+16) // room for one reloc record (8 bytes) plus the terminator (8 bytes)
	put32 := func(off, v uint32) { binary.BigEndian.PutUint32(buf[off:off+4], v) }

	put32(0x00, 7)           // ID
	put32(0x04, 0)           // Next
	put32(0x08, 0)           // Prev
	put32(0x0c, numSections) // NumSections
	put32(0x10, secInfoOff)  // SectionInfoOff
	put32(0x14, 0)           // NameOffset
	put32(0x18, 0)           // NameSize
	put32(0x1c, 3)           // Version
	put32(0x20, 0x100)       // BssSize
	put32(0x24, relOff)      // RelOffset
	put32(0x28, 0)           // ImpOffset
	put32(0x2c, 0)           // ImpSize
	buf[0x30] = 0            // PrologSection
	buf[0x31] = 0            // EpilogSection
	buf[0x32] = 0            // UnresolvedSec
	put32(0x34, 0)           // PrologOffset
	put32(0x38, 0)           // EpilogOffset
	put32(0x3c, 0)           // UnresolvedOff
	put32(0x40, 4)           // Align
	put32(0x44, 8)           // BssAlign
	put32(0x48, 0)           // FixSize

	put32(secInfoOff, secDataOff|1) // offset, exec bit set
	put32(secInfoOff+4, uint32(len(secData)))
	copy(buf[secDataOff:], secData)

	// Relocation stream: one R_PPC_ADDR32 (op=1) at delta 0, target
	// section 0, addend 0, then R_DOLPHIN_END (op=203).
	binary.BigEndian.PutUint16(buf[relOff:relOff+2], 0)
	buf[relOff+2] = byte(OpAddr32)
	buf[relOff+3] = 0
	put32(relOff+4, 0)
	endOff := relOff + 8
	binary.BigEndian.PutUint16(buf[endOff:endOff+2], 0)
	buf[endOff+2] = byte(OpDolphinEnd)
	buf[endOff+3] = 0
	put32(endOff+4, 0)
	return buf[:endOff+8]
}

func TestParseReadsHeaderSectionsAndRelocs(t *testing.T) {
	data := buildREL(t)
	m, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if m.Header.ID != 7 {
		t.Errorf("ID = %d, want 7", m.Header.ID)
	}
	if len(m.Sections) != 1 || !m.Sections[0].Executable {
		t.Fatalf("sections = %+v", m.Sections)
	}
	if len(m.Relocs) != 1 || m.Relocs[0].Type != OpAddr32 {
		t.Fatalf("relocs = %+v", m.Relocs)
	}
}

func TestParseRejectsTooSmall(t *testing.T) {
	if _, err := Parse(make([]byte, 8)); err == nil {
		t.Fatal("expected an error for a file too small to hold a REL header")
	}
}

func TestToObjectCarriesModuleIDAndSymbolicAddresses(t *testing.T) {
	data := buildREL(t)
	m, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	o := m.ToObject("test.rel")
	if o.ModuleID != 7 {
		t.Errorf("ModuleID = %d, want 7", o.ModuleID)
	}
	if len(o.Sections) != 1 || o.Sections[0].Address != 0 {
		t.Fatalf("expected a symbolic (zero) address before Merge: %+v", o.Sections)
	}
	if o.Sections[0].Kind.String() != "code" {
		t.Errorf("executable section should be inferred as code, got %v", o.Sections[0].Kind)
	}
}
