package bitmapcache

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgecomet/pagerender/pkg/types"
)

func TestComputeBudget(t *testing.T) {
	const mb = 1024 * 1024

	tests := []struct {
		name      string
		limit     int64
		floor     int64
		available int64
		expected  int64
	}{
		{name: "limit within bounds", limit: 64 * mb, floor: 16 * mb, available: 8 * 1024 * mb, expected: 64 * mb},
		{name: "limit above ceiling", limit: 4096 * mb, floor: 16 * mb, available: 8 * 1024 * mb, expected: 1024 * mb},
		{name: "unset limit uses ceiling", limit: 0, floor: 16 * mb, available: 800 * mb, expected: 100 * mb},
		{name: "limit below floor", limit: 4 * mb, floor: 16 * mb, available: 8 * 1024 * mb, expected: 16 * mb},
		{name: "floor wins on tiny hosts", limit: 64 * mb, floor: 32 * mb, available: 80 * mb, expected: 32 * mb},
		{name: "default floor", limit: 1, floor: 0, available: 8 * 1024 * mb, expected: DefaultFloorBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, computeBudget(tt.limit, tt.floor, tt.available))
		})
	}
}

func TestComputeBudget_UsesAvailableMemory(t *testing.T) {
	original := availableMemory
	t.Cleanup(func() { availableMemory = original })
	availableMemory = func() int64 { return 800 * 1024 * 1024 }

	assert.Equal(t, int64(100*1024*1024), ComputeBudget(0, 1024))
}

func TestRuntimeAvailableMemory(t *testing.T) {
	available := runtimeAvailableMemory()
	assert.Greater(t, available, int64(0))
	assert.LessOrEqual(t, available, int64(math.MaxInt64))
}

func TestKeys(t *testing.T) {
	region := types.NewRect(0, 0, 256, 256)
	a := NewTileKey("doc", 3, region, 1.5)
	b := NewTileKey("doc", 3, region, 1.5)
	c := NewTileKey("doc", 3, region, math.Nextafter(1.5, 2))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "scales differing in one ulp are different keys")
	assert.Equal(t, 1.5, a.Scale())
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)
	assert.Equal(t, "doc/tile/3/(0,0)-(256,256)/x1.5", a.String())

	p := PageKey{DocumentID: "doc", PageIndex: 2, TargetWidth: 800, Profile: types.ProfileLowDetail}
	assert.Equal(t, "doc/page/2/w800/"+types.ProfileLowDetail.String(), p.String())
}
