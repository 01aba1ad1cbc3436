// Package dol implements the Binary Loader's DOL half (spec §4.1,
// §6): a byte-for-byte, heuristic-free parse of the GameCube/Wii main
// executable header into an objfile.Object.
package dol

import (
	"fmt"

	"github.com/dolsplit/dolsplit/internal/binio"
	"github.com/dolsplit/dolsplit/internal/objfile"
)

const (
	headerSize   = 0x100
	numTextSecs  = 7
	numDataSecs  = 11
	offOffsets   = 0x00
	offAddrs     = 0x48
	offSizes     = 0x90
	offBssAddr   = 0xd8
	offBssSize   = 0xdc
	offEntry     = 0xe0
)

// Header is the parsed 0x100-byte DOL header, kept around on the
// loaded Object's metadata for the Writer to reproduce section
// ordering exactly (spec §3 "write order... reproduces the original
// link order").
type Header struct {
	TextOffsets [numTextSecs]uint32
	DataOffsets [numDataSecs]uint32
	TextAddrs   [numTextSecs]uint32
	DataAddrs   [numDataSecs]uint32
	TextSizes   [numTextSecs]uint32
	DataSizes   [numDataSecs]uint32
	BssAddr     uint32
	BssSize     uint32
	Entry       uint32
}

// Load parses a DOL image strictly: malformed headers and overlapping
// sections are fatal, per spec §4.1. The order of the sections'
// addresses is not checked. Zero triples denote absent sections and
// are skipped.
func Load(data []byte) (*objfile.Object, *Header, error) {
	if len(data) < headerSize {
		return nil, nil, fmt.Errorf("dol: file too small for header (%d bytes)", len(data))
	}
	d := binio.NewDecoder(data)

	var hdr Header
	d.SeekTo(offOffsets)
	for i := 0; i < numTextSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.TextOffsets[i] = v
	}
	for i := 0; i < numDataSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.DataOffsets[i] = v
	}
	d.SeekTo(offAddrs)
	for i := 0; i < numTextSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.TextAddrs[i] = v
	}
	for i := 0; i < numDataSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.DataAddrs[i] = v
	}
	d.SeekTo(offSizes)
	for i := 0; i < numTextSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.TextSizes[i] = v
	}
	for i := 0; i < numDataSecs; i++ {
		v, err := d.U32()
		if err != nil {
			return nil, nil, err
		}
		hdr.DataSizes[i] = v
	}
	var err error
	if hdr.BssAddr, err = readAt(data, offBssAddr); err != nil {
		return nil, nil, err
	}
	if hdr.BssSize, err = readAt(data, offBssSize); err != nil {
		return nil, nil, err
	}
	if hdr.Entry, err = readAt(data, offEntry); err != nil {
		return nil, nil, err
	}

	var sections []objfile.Section
	var ranges []addrRange
	addSection := func(name string, kind objfile.SectionKind, fileOff, addr, size uint32) error {
		if size == 0 {
			return nil // zero triple: absent section
		}
		if uint64(fileOff)+uint64(size) > uint64(len(data)) {
			return fmt.Errorf("dol: section %s data [%#x,%#x) exceeds file size %#x", name, fileOff, fileOff+size, len(data))
		}
		r := addrRange{addr, addr + size}
		for _, other := range ranges {
			if r.overlaps(other) {
				return fmt.Errorf("dol: section %s [%#010x,%#010x) overlaps an earlier section", name, r.lo, r.hi)
			}
		}
		ranges = append(ranges, r)
		sections = append(sections, objfile.Section{
			Name:         name,
			Kind:         kind,
			Address:      addr,
			Size:         size,
			Align:        4,
			Data:         append([]byte(nil), data[fileOff:fileOff+size]...),
			Index:        len(sections),
			OriginalAddr: addr,
			FileOffset:   fileOff,
			SectionKnown: true,
		})
		return nil
	}

	for i := 0; i < numTextSecs; i++ {
		name := ".text"
		if i > 0 {
			name = fmt.Sprintf(".text%d", i)
		}
		if i == 0 {
			name = ".init"
		}
		if err := addSection(name, objfile.SectionCode, hdr.TextOffsets[i], hdr.TextAddrs[i], hdr.TextSizes[i]); err != nil {
			return nil, nil, err
		}
	}
	dataNames := []string{".data", ".rodata", ".data2", ".data3", ".data4", ".data5", ".data6", ".data7", ".data8", ".data9", ".data10"}
	for i := 0; i < numDataSecs; i++ {
		if err := addSection(dataNames[i], objfile.SectionData, hdr.DataOffsets[i], hdr.DataAddrs[i], hdr.DataSizes[i]); err != nil {
			return nil, nil, err
		}
	}
	if hdr.BssSize != 0 {
		sections = append(sections, objfile.Section{
			Name:         ".bss",
			Kind:         objfile.SectionBss,
			Address:      hdr.BssAddr,
			Size:         hdr.BssSize,
			Align:        8,
			Index:        len(sections),
			OriginalAddr: hdr.BssAddr,
			SectionKnown: true,
		})
	}

	obj := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "main", nil, sections)
	obj.Entry = hdr.Entry
	return obj, &hdr, nil
}

func readAt(data []byte, off uint32) (uint32, error) {
	d := binio.NewDecoder(data)
	d.SeekTo(off)
	return d.U32()
}

type addrRange struct{ lo, hi uint32 }

func (r addrRange) overlaps(o addrRange) bool { return r.lo < o.hi && o.lo < r.hi }
