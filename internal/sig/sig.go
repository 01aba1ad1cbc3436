// Package sig implements the Signature Matcher (spec §4.5): a
// database of known CodeWarrior/Metrowerks runtime-support function
// fingerprints, matched byte-for-byte (with a wildcard mask for
// relocated operands) against recovered functions so common library
// routines get their real names and required split boundaries instead
// of synthetic labels.
//
// The database format and matching shape are grounded on the
// Anchor/Signature split in blacktop/ipsw's pkg/signature: a named
// signature carries one anchor pattern, and a match assigns
// a name (and here, a forced split) rather than a raw symbolication
// map.
package sig

import (
	"bytes"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dolsplit/dolsplit/internal/objfile"
)

//go:embed data/signatures.yaml
var embeddedDB embed.FS

// Pattern is one fingerprint: Bytes is the expected encoding, Mask
// marks which bits of each byte must match (0xff = exact, 0x00 =
// don't-care) — used to wildcard out relocated fields (branch
// displacements, hi/lo immediates) that vary by call site.
type Pattern struct {
	Bytes []byte `yaml:"bytes"`
	Mask  []byte `yaml:"mask"`
}

// Signature names one recognizable runtime routine.
type Signature struct {
	Name          string    `yaml:"name"`
	Pattern       Pattern   `yaml:"pattern"`
	RequiredSplit string    `yaml:"required_split,omitempty"`
	Size          uint32    `yaml:"size"`
}

// raw mirrors the on-disk YAML shape, decoded strictly so a typo in a
// field name fails loudly instead of silently dropping a signature.
type rawDB struct {
	Signatures []rawSignature `yaml:"signatures"`
}

type rawSignature struct {
	Name          string `yaml:"name"`
	Hex           string `yaml:"hex"`
	MaskHex       string `yaml:"mask"`
	RequiredSplit string `yaml:"required_split"`
	Size          uint32 `yaml:"size"`
}

// DB is a loaded, ready-to-match signature set.
type DB struct {
	sigs []Signature
}

// Load parses the embedded default database. Callers that need a
// user-supplied supplementary database call LoadFrom with additional
// bytes and Merge the results.
func Load() (*DB, error) {
	data, err := embeddedDB.ReadFile("data/signatures.yaml")
	if err != nil {
		return nil, fmt.Errorf("sig: reading embedded database: %w", err)
	}
	return LoadFrom(data)
}

func LoadFrom(data []byte) (*DB, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawDB
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("sig: decoding signature database: %w", err)
	}

	db := &DB{}
	for _, r := range raw.Signatures {
		pat, err := parsePattern(r.Hex, r.MaskHex)
		if err != nil {
			return nil, fmt.Errorf("sig: signature %q: %w", r.Name, err)
		}
		db.sigs = append(db.sigs, Signature{
			Name:          r.Name,
			Pattern:       pat,
			RequiredSplit: r.RequiredSplit,
			Size:          r.Size,
		})
	}
	// Deterministic first-match-wins scanning (spec §4.5) requires a
	// fixed signature order independent of YAML document order.
	sort.Slice(db.sigs, func(i, j int) bool { return db.sigs[i].Name < db.sigs[j].Name })
	return db, nil
}

// Merge combines two databases, with other's signatures taking
// precedence on a name collision (a user-supplied database overrides
// the embedded default).
func (db *DB) Merge(other *DB) *DB {
	merged := &DB{}
	seen := map[string]bool{}
	for _, s := range other.sigs {
		merged.sigs = append(merged.sigs, s)
		seen[s.Name] = true
	}
	for _, s := range db.sigs {
		if !seen[s.Name] {
			merged.sigs = append(merged.sigs, s)
		}
	}
	sort.Slice(merged.sigs, func(i, j int) bool { return merged.sigs[i].Name < merged.sigs[j].Name })
	return merged
}

// Match is one signature recognized at an address.
type Match struct {
	Address   uint32
	Signature Signature
}

// Conflict records two signatures that both matched the same address;
// spec §4.5 requires these be reported rather than silently resolved.
type Conflict struct {
	Address uint32
	Names   []string
}

// Scan matches every signature in db against code, starting at base,
// only at the given candidate offsets (typically a CFA Function's
// Start addresses — signatures are anchored to function entry, not
// scanned at every byte). Matching is deterministic: signatures are
// tried in the database's fixed sort order, and the first one whose
// pattern fits is returned as the match. If more than one signature
// fits the same address, that address is also reported as a Conflict
// listing every fitting name, so the choice is never silent.
// Signatures are not ranked by specificity.
func (db *DB) Scan(base uint32, code []byte, candidates []uint32) ([]Match, []Conflict) {
	var matches []Match
	var conflicts []Conflict

	cand := append([]uint32(nil), candidates...)
	sort.Slice(cand, func(i, j int) bool { return cand[i] < cand[j] })

	for _, addr := range cand {
		if addr < base || addr >= base+uint32(len(code)) {
			continue
		}
		off := addr - base
		var hit *Signature
		var names []string
		for i := range db.sigs {
			s := &db.sigs[i]
			if matchesAt(code, off, s.Pattern) {
				names = append(names, s.Name)
				if hit == nil {
					hit = s
				}
			}
		}
		switch len(names) {
		case 0:
			continue
		case 1:
			matches = append(matches, Match{Address: addr, Signature: *hit})
		default:
			conflicts = append(conflicts, Conflict{Address: addr, Names: names})
			matches = append(matches, Match{Address: addr, Signature: *hit})
		}
	}
	return matches, conflicts
}

// parsePattern decodes a signature's hex-encoded byte and mask
// strings. An empty mask means "match every byte exactly" — most
// signatures only need wildcarding around relocated fields, so
// requiring an explicit all-0xff mask in every database entry would
// be pure noise.
func parsePattern(hexBytes, hexMask string) (Pattern, error) {
	b, err := hex.DecodeString(hexBytes)
	if err != nil {
		return Pattern{}, fmt.Errorf("decoding bytes: %w", err)
	}
	var m []byte
	if hexMask != "" {
		m, err = hex.DecodeString(hexMask)
		if err != nil {
			return Pattern{}, fmt.Errorf("decoding mask: %w", err)
		}
		if len(m) != len(b) {
			return Pattern{}, fmt.Errorf("mask length %d does not match byte length %d", len(m), len(b))
		}
	} else {
		m = make([]byte, len(b))
		for i := range m {
			m[i] = 0xff
		}
	}
	return Pattern{Bytes: b, Mask: m}, nil
}

func matchesAt(code []byte, off uint32, pat Pattern) bool {
	if uint32(len(pat.Bytes)) == 0 || off+uint32(len(pat.Bytes)) > uint32(len(code)) {
		return false
	}
	for i, want := range pat.Bytes {
		mask := byte(0xff)
		if i < len(pat.Mask) {
			mask = pat.Mask[i]
		}
		if code[int(off)+i]&mask != want&mask {
			return false
		}
	}
	return true
}

// ApplyMatches names the symbol at each match's address and, when the
// signature carries RequiredSplit, records the forced split on o so
// the Splitter never merges this routine into a neighboring
// translation unit regardless of address-range heuristics.
func ApplyMatches(o *objfile.Object, matches []Match) {
	for _, m := range matches {
		id, _ := o.AddSymbol(objfile.Symbol{
			Name:    m.Signature.Name,
			Address: m.Address,
			Kind:    objfile.SymFunction,
			Size:    m.Signature.Size,
			Flags:   boolFlag(m.Signature.Size > 0),
		}, true)
		_ = id
		if m.Signature.RequiredSplit != "" {
			o.AddSplit(m.Address, objfile.Split{Unit: m.Signature.RequiredSplit})
		}
	}
}

func boolFlag(sizeKnown bool) objfile.Flags {
	if sizeKnown {
		return objfile.FlagSizeKnown
	}
	return 0
}
