package relfmt

import "errors"

// ErrUnimplemented is returned by Parse-equivalent entry points for
// formats the specification declares non-functional. RSO (spec
// Glossary: "similar to REL, used by some Wii titles") is explicitly
// out of scope per spec §1 Non-goals ("handling RSO fully") and §9
// Open Questions ("leave a stub interface with a clear unimplemented
// error").
var ErrUnimplemented = errors.New("relfmt: RSO module loading is not implemented")

// ParseRSO is a stub: RSO shares REL's general shape (runtime-loaded,
// self-relocating) but diverges enough in header layout and import
// resolution that implementing it is out of scope for this toolkit.
func ParseRSO(data []byte) (*Module, error) {
	return nil, ErrUnimplemented
}
