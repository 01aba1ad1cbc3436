package config

import (
	"testing"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

const sample = `
input: game.dol
output_dir: build
splits:
  "0x80003000":
    unit: main.c.o
  "0x80003100":
    unit: util.c.o
symbols:
  - name: g_special
    address: "0x804a0010"
    kind: object
    size: 4
force_active:
  - g_special
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if c.Input != "game.dol" || c.OutputDir != "build" {
		t.Errorf("basic fields wrong: %+v", c)
	}
	if len(c.Splits) != 2 {
		t.Fatalf("got %d splits, want 2", len(c.Splits))
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("input: x\noutput_dir: y\nbogus_field: 1\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestParseRequiresInputAndOutputDir(t *testing.T) {
	if _, err := Parse([]byte("output_dir: build\n")); err == nil {
		t.Fatal("expected an error for missing input")
	}
	if _, err := Parse([]byte("input: game.dol\n")); err == nil {
		t.Fatal("expected an error for missing output_dir")
	}
}

func TestApplyTo(t *testing.T) {
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	o := objfile.NewObject(objfile.KindExecutable, objfile.ArchPowerPc, "test", nil, nil)
	if err := c.ApplyTo(o); err != nil {
		t.Fatal(err)
	}
	if len(o.Splits[0x80003000]) != 1 || o.Splits[0x80003000][0].Unit != "main.c.o" {
		t.Errorf("split at 0x80003000 = %+v", o.Splits[0x80003000])
	}
	id, found, err := o.Symbols.ByName("g_special")
	if err != nil || !found {
		t.Fatalf("g_special not found: found=%v err=%v", found, err)
	}
	sym := o.Symbols.At(id)
	if !sym.Flags.Has(objfile.FlagForceActive) {
		t.Errorf("g_special missing FlagForceActive: %+v", sym)
	}
}
