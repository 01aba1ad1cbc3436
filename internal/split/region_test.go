package split

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlaceable struct {
	offset, size, align uint32
}

func (p *fakePlaceable) Offset() uint32    { return p.offset }
func (p *fakePlaceable) SetOffset(o uint32) { p.offset = o }
func (p *fakePlaceable) Size() uint32      { return p.size }
func (p *fakePlaceable) Alignment() uint32 { return p.align }

func TestRegionPlacesEntriesAscendingAtGapAlignment(t *testing.T) {
	r := NewRegion(0x80050000, 0x100)

	a := &fakePlaceable{size: 4, align: 4}
	require.True(t, r.Place(a), "first entry must fit in an empty region")
	assert.Equal(t, uint32(0x80050000), a.Offset())

	b := &fakePlaceable{size: 8, align: 8}
	require.True(t, r.Place(b))
	assert.Equal(t, uint32(0x80050008), b.Offset(), "second entry must align up past the first")
}

func TestRegionRejectsEntryThatDoesNotFit(t *testing.T) {
	r := NewRegion(0x80050000, 8)
	big := &fakePlaceable{size: 0x100, align: 4}
	assert.False(t, r.Place(big), "an entry larger than the region must be rejected")
}

func TestRegionEndReflectsStartPlusSize(t *testing.T) {
	r := NewRegion(0x80050000, 0x40)
	assert.Equal(t, uint32(0x80050040), r.End())
}
