package resilience

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/pagerender/internal/render/backend"
	"github.com/edgecomet/pagerender/internal/render/bitmapcache"
	"github.com/edgecomet/pagerender/pkg/types"
)

type sizedEntry int64

func (e sizedEntry) ByteSize() int64 { return int64(e) }
func (e sizedEntry) IsLive() bool    { return true }

type testCaches struct {
	page *bitmapcache.Cache[string, sizedEntry]
	tile *bitmapcache.Cache[string, sizedEntry]
}

func newTestController(t *testing.T) (*Controller, testCaches) {
	t.Helper()
	page, err := bitmapcache.New[string, sizedEntry]("page", 10_000, zap.NewNop())
	require.NoError(t, err)
	tile, err := bitmapcache.New[string, sizedEntry]("tile", 10_000, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		page.Put(fmt.Sprintf("p%d", i), sizedEntry(1000))
		tile.Put(fmt.Sprintf("t%d", i), sizedEntry(500))
	}

	c := NewController(zap.NewNop(), page, tile)
	c.OnDocumentChanged("doc-1")
	return c, testCaches{page: page, tile: tile}
}

var errOOM = backend.OutOfMemory(errors.New("bitmap allocation failed"))

func TestHandleCacheStress_EscalationSequence(t *testing.T) {
	c, caches := newTestController(t)

	assert.Equal(t, OutcomeRetry, c.HandleCacheStress(StagePage, errOOM, 1))
	assert.Equal(t, int64(7000), caches.page.SizeBytes())
	assert.Equal(t, int64(3500), caches.tile.SizeBytes())
	assert.False(t, c.CircuitBreakerActive())

	assert.Equal(t, OutcomeRetry, c.HandleCacheStress(StagePage, errOOM, 2))
	assert.Equal(t, int64(3000), caches.page.SizeBytes())
	assert.Equal(t, int64(1500), caches.tile.SizeBytes())
	assert.Equal(t, types.FallbackNormal, c.FallbackMode())

	assert.Equal(t, OutcomeEscalated, c.HandleCacheStress(StageTile, errOOM, 3))
	assert.Equal(t, int64(0), caches.page.SizeBytes())
	assert.Equal(t, int64(0), caches.tile.SizeBytes())
	assert.Equal(t, types.FallbackLegacySimpleRenderer, c.FallbackMode())
	assert.True(t, c.CircuitBreakerActive())

	state := c.State()
	assert.Equal(t, uint32(3), state.CacheFaultCount)
	assert.True(t, state.CacheCircuitForced)

	// No automatic recovery
	assert.Equal(t, OutcomeEscalated, c.HandleCacheStress(StagePage, errOOM, 4))
	assert.True(t, c.CircuitBreakerActive())
}

func TestHandleCacheStress_NonMemoryFaultsIgnored(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "nil", err: nil},
		{name: "plain error", err: errors.New("io failure")},
		{name: "malformed", err: backend.MalformedPage(errors.New("bad xref"))},
		{name: "too large", err: backend.PageTooLargeWidth(100, nil)},
		{name: "other fault", err: backend.Other(errors.New("timeout"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, caches := newTestController(t)
			assert.Equal(t, OutcomeNone, c.HandleCacheStress(StagePage, tt.err, 0))
			assert.Equal(t, uint32(0), c.State().CacheFaultCount)
			assert.Equal(t, int64(10_000), caches.page.SizeBytes())
		})
	}
}

func TestHandleCacheStress_WrappedMemoryFault(t *testing.T) {
	c, _ := newTestController(t)
	wrapped := fmt.Errorf("render page 3: %w", errOOM)
	assert.Equal(t, OutcomeRetry, c.HandleCacheStress(StagePage, wrapped, 3))
}

func TestHandleCacheStress_ConcurrentFaultsCountedOnce(t *testing.T) {
	c, _ := newTestController(t)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			outcomes <- c.HandleCacheStress(StagePage, errOOM, page)
		}(i)
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 2, counts[OutcomeRetry])
	assert.Equal(t, 8, counts[OutcomeEscalated])
	assert.Equal(t, uint32(10), c.State().CacheFaultCount)
}

func TestRecordRenderFault_MalformedIsolation(t *testing.T) {
	c, caches := newTestController(t)

	c.RecordRenderFault(backend.MalformedPage(errors.New("corrupt stream")), StagePage, 5, false)
	c.RecordRenderFault(backend.MalformedPage(errors.New("corrupt stream")), StagePage, 5, false)

	assert.True(t, c.IsMalformed(5))
	assert.False(t, c.IsMalformed(6))

	state := c.State()
	assert.Equal(t, []int{5}, state.MalformedPages)
	assert.Equal(t, uint32(0), state.RenderFaultStreak)
	assert.False(t, state.CircuitBreakerActive)
	assert.Equal(t, int64(10_000), caches.page.SizeBytes())
}

func TestRecordRenderFault_MemoryFault(t *testing.T) {
	t.Run("trips circuit", func(t *testing.T) {
		c, caches := newTestController(t)
		c.RecordRenderFault(errOOM, StagePage, 1, false)

		assert.True(t, c.CircuitBreakerActive())
		assert.Equal(t, types.FallbackLegacySimpleRenderer, c.FallbackMode())
		assert.Equal(t, int64(0), caches.page.SizeBytes())
		assert.Equal(t, int64(0), caches.tile.SizeBytes())
		assert.Equal(t, uint32(0), c.State().RenderFaultStreak)
	})

	t.Run("bypass keeps circuit closed", func(t *testing.T) {
		c, caches := newTestController(t)
		c.RecordRenderFault(errOOM, StagePrefetch, 1, true)

		assert.False(t, c.CircuitBreakerActive())
		assert.Equal(t, types.FallbackNormal, c.FallbackMode())
		assert.Equal(t, int64(10_000), caches.page.SizeBytes())
	})
}

func TestRecordRenderFault_InvalidArgumentNotCounted(t *testing.T) {
	c, caches := newTestController(t)
	invalid := fmt.Errorf("%w: tile outside bounds", backend.ErrInvalidArgument)
	for i := 0; i < 3; i++ {
		c.RecordRenderFault(invalid, StageTile, i, false)
	}

	state := c.State()
	assert.Equal(t, uint32(0), state.RenderFaultStreak)
	assert.False(t, state.RenderSafetyLockActive)
	assert.False(t, state.CircuitBreakerActive)
	assert.Empty(t, state.MalformedPages)
	assert.Equal(t, int64(10_000), caches.page.SizeBytes())
}

func TestRecordRenderFault_PageTooLargeNotCounted(t *testing.T) {
	c, _ := newTestController(t)
	for i := 0; i < 5; i++ {
		c.RecordRenderFault(backend.PageTooLargeScale(0.5, nil), StageTile, i, false)
	}
	state := c.State()
	assert.Equal(t, uint32(0), state.RenderFaultStreak)
	assert.False(t, state.RenderSafetyLockActive)
}

func TestRecordRenderFault_SafetyLockAfterStreak(t *testing.T) {
	c, caches := newTestController(t)
	transient := errors.New("renderer timeout")

	c.RecordRenderFault(transient, StagePage, 1, false)
	c.RecordRenderFault(transient, StagePage, 2, false)
	assert.False(t, c.CircuitBreakerActive())
	assert.False(t, c.State().RenderSafetyLockActive)

	c.RecordRenderFault(transient, StagePage, 3, false)
	state := c.State()
	assert.Equal(t, uint32(3), state.RenderFaultStreak)
	assert.True(t, state.RenderSafetyLockActive)
	assert.True(t, state.RenderCircuitSoft)
	assert.True(t, state.CircuitBreakerActive)
	// The safety lock alone does not force the legacy renderer or clear caches
	assert.Equal(t, types.FallbackNormal, state.FallbackMode)
	assert.Equal(t, int64(10_000), caches.page.SizeBytes())

	c.RecordRenderFault(transient, StageTile, 4, false)
	assert.Equal(t, uint32(4), c.State().RenderFaultStreak)
	assert.True(t, c.State().RenderSafetyLockActive)
}

// The streak is a running counter for the whole document session. Successful
// renders in between do not clear it, so faults far apart still add up.
func TestRecordRenderFault_StreakSurvivesSuccessfulRenders(t *testing.T) {
	c, _ := newTestController(t)
	transient := backend.Other(errors.New("transient"))

	c.RecordRenderFault(transient, StagePage, 1, false)
	// many successful renders happen here; none of them touch the controller
	c.RecordRenderFault(transient, StagePage, 40, false)
	assert.False(t, c.State().RenderSafetyLockActive)
	c.RecordRenderFault(transient, StagePage, 80, false)

	assert.True(t, c.State().RenderSafetyLockActive)
}

func TestOnDocumentChanged_ResetsEverything(t *testing.T) {
	c, _ := newTestController(t)

	c.RecordRenderFault(backend.MalformedPage(nil), StagePage, 2, false)
	for i := 0; i < 3; i++ {
		c.HandleCacheStress(StagePage, errOOM, i)
		c.RecordRenderFault(errors.New("transient"), StagePage, i, false)
	}
	require.True(t, c.CircuitBreakerActive())

	c.OnDocumentChanged("doc-2")

	assert.Equal(t, State{
		DocumentID:     "doc-2",
		FallbackMode:   types.FallbackNormal,
		MalformedPages: []int{},
	}, c.State())
	assert.False(t, c.IsMalformed(2))
	assert.Equal(t, "doc-2", c.DocumentID())
	assert.Equal(t, OutcomeRetry, c.HandleCacheStress(StagePage, errOOM, 0))
}

func TestMalformedTracker(t *testing.T) {
	tr := NewMalformedTracker()
	tr.Reset("a")

	assert.True(t, tr.Mark(9))
	assert.True(t, tr.Mark(3))
	assert.False(t, tr.Mark(9))
	assert.Equal(t, []int{3, 9}, tr.Pages())
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, "a", tr.DocumentID())

	tr.Reset("b")
	assert.False(t, tr.IsMalformed(9))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, "b", tr.DocumentID())
}

func TestStageAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "page", StagePage.String())
	assert.Equal(t, "tile", StageTile.String())
	assert.Equal(t, "prefetch", StagePrefetch.String())
	assert.Equal(t, "page_size", StagePageSize.String())
	assert.Equal(t, "unknown", Stage(42).String())

	assert.Equal(t, "none", OutcomeNone.String())
	assert.Equal(t, "retry", OutcomeRetry.String())
	assert.Equal(t, "escalated", OutcomeEscalated.String())
}
