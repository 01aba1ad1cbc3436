// Package config implements the Configuration file (spec §6): a
// strict YAML document naming the input image, its selected objects
// (DOL/REL/ELF), per-section address-to-translation-unit mappings,
// forced symbol names and splits, section alignments, and the output
// directory. Decoding uses gopkg.in/yaml.v3 with KnownFields(true) so
// a typo or an option this version doesn't understand is a load-time
// error rather than a silently ignored field.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

// Config is the root document.
type Config struct {
	// Input is the path to the image to analyze: read as a REL module
	// when its name ends in ".rel", and as a DOL otherwise.
	Input string `yaml:"input"`
	// Modules lists REL files to load alongside Input, keyed by
	// their module ID as CodeWarrior assigned it.
	Modules map[uint32]string `yaml:"modules,omitempty"`
	// SymbolsFile is an optional path to an unstripped ELF supplying
	// ground-truth symbol names (spec §4.1's "Loader... cross-
	// references an unstripped ELF when supplied").
	SymbolsFile string `yaml:"symbols_file,omitempty"`
	// SignaturesFile supplements the embedded signature database;
	// entries here override embedded entries of the same name.
	SignaturesFile string `yaml:"signatures_file,omitempty"`

	OutputDir string `yaml:"output_dir"`

	// Splits maps a hex address string ("0x80003100") to the
	// translation unit name that owns everything from that address
	// up to the next split point.
	Splits map[string]SplitEntry `yaml:"splits,omitempty"`

	// ForceActive names symbols that must survive into the output
	// even if nothing in the recovered call graph references them
	// (spec §3's FlagForceActive).
	ForceActive []string `yaml:"force_active,omitempty"`

	// Symbols lets a user pin a name onto an address the analyzers
	// would otherwise only produce a synthetic label for.
	Symbols []SymbolEntry `yaml:"symbols,omitempty"`

	// SectionAlign maps a section name to an alignment. It is decoded
	// and kept on Config; no later stage reads it.
	SectionAlign map[string]uint32 `yaml:"section_align,omitempty"`
}

type SplitEntry struct {
	Unit string `yaml:"unit"`
	// End optionally pins the split's range to [addr, End) instead of
	// leaving it open (extending to the next split or the section's
	// end). Two splits whose resolved ranges overlap are a fatal
	// configuration error (spec §4.7), which an open-ended split can
	// never trigger on its own.
	End string `yaml:"end,omitempty"`
}

type SymbolEntry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // hex, e.g. "0x80003100"
	Kind    string `yaml:"kind,omitempty"`
	Size    uint32 `yaml:"size,omitempty"`
}

// Load reads and strictly decodes a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if c.Input == "" {
		return nil, fmt.Errorf("config: %q is required", "input")
	}
	if c.OutputDir == "" {
		return nil, fmt.Errorf("config: %q is required", "output_dir")
	}
	return &c, nil
}

// ApplyTo seeds an Object's Splits and Symbols tables from the
// configuration, per spec §6's "configuration... feeds the Splitter
// and Section/Data Analyzer directly rather than being consulted
// ad-hoc". Called once per loaded Object, after the Loader but before
// any analysis stage runs, so later stages see user overrides as
// ordinary already-known facts.
func (c *Config) ApplyTo(o *objfile.Object) error {
	for addrHex, entry := range c.Splits {
		addr, err := parseHexAddr(addrHex)
		if err != nil {
			return fmt.Errorf("config: split key %q: %w", addrHex, err)
		}
		var end uint32
		if entry.End != "" {
			end, err = parseHexAddr(entry.End)
			if err != nil {
				return fmt.Errorf("config: split %q end %q: %w", addrHex, entry.End, err)
			}
		}
		o.AddSplit(addr, objfile.Split{Unit: entry.Unit, End: end})
	}

	for _, se := range c.Symbols {
		addr, err := parseHexAddr(se.Address)
		if err != nil {
			return fmt.Errorf("config: symbol %q address %q: %w", se.Name, se.Address, err)
		}
		kind, err := parseSymbolKind(se.Kind)
		if err != nil {
			return fmt.Errorf("config: symbol %q: %w", se.Name, err)
		}
		flags := objfile.Flags(0)
		if se.Size > 0 {
			flags |= objfile.FlagSizeKnown
		}
		o.AddSymbol(objfile.Symbol{
			Name: se.Name, Address: addr, Section: -1, Kind: kind, Size: se.Size, Flags: flags, Binding: objfile.BindGlobal,
		}, true)
	}

	for _, name := range c.ForceActive {
		id, found, err := o.Symbols.ByName(name)
		if err != nil {
			return fmt.Errorf("config: force_active %q: %w", name, err)
		}
		if !found {
			return fmt.Errorf("config: force_active %q: no such symbol", name)
		}
		sym := o.Symbols.At(id)
		sym.Flags |= objfile.FlagForceActive
	}
	return nil
}

func parseHexAddr(s string) (uint32, error) {
	var v uint32
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		return 0, fmt.Errorf("expected a 0x-prefixed hex address, got %q", s)
	}
	return v, nil
}

func parseSymbolKind(s string) (objfile.SymbolKind, error) {
	switch s {
	case "", "function":
		return objfile.SymFunction, nil
	case "object":
		return objfile.SymObject, nil
	case "label":
		return objfile.SymLabel, nil
	default:
		return objfile.SymUnknown, fmt.Errorf("unknown symbol kind %q", s)
	}
}
