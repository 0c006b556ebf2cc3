package buddy

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yydcnjjw/my-os/kernel"
	"github.com/yydcnjjw/my-os/kernel/mm"
	"github.com/yydcnjjw/my-os/kernel/mm/memblock"
)

func framesToAddr(frames uint64) uintptr {
	return uintptr(frames << mm.PageShift)
}

func TestNew(t *testing.T) {
	specs := []struct {
		start, end uintptr
		cfg        Config
		expErr     *kernel.Error
		expArenas  []ArenaInfo
	}{
		{
			start: 0,
			end:   framesToAddr(2048 + 1024 + 1),
			expArenas: []ArenaInfo{
				{Start: 0, MaxOrder: 11, RootOrder: 11},
				{Start: 2048, MaxOrder: 10, RootOrder: 10},
				{Start: 3072, MaxOrder: 0, RootOrder: 0},
			},
		},
		{
			start: 0x100000,
			end:   0x100000 + framesToAddr(6),
			expArenas: []ArenaInfo{
				{Start: 0x100, MaxOrder: 2, RootOrder: 2},
				{Start: 0x104, MaxOrder: 1, RootOrder: 1},
			},
		},
		{start: 0x2000, end: 0x1000, expErr: errInvalidRange},
		{start: 0x2000, end: 0x2000, expErr: errInvalidRange},
		{start: 0x1001, end: 0x4000, expErr: errInvalidRange},
		{start: 0x1000, end: 0x4001, expErr: errInvalidRange},
		{start: 0, end: framesToAddr(7), cfg: Config{MaxArenas: 2}, expErr: errTooManyArenas},
	}

	for specIndex, spec := range specs {
		alloc, err := New(spec.start, spec.end, spec.cfg)
		if spec.expErr != nil {
			assert.Equal(t, spec.expErr, err, "[spec %d]", specIndex)
			continue
		}

		require.Nil(t, err, "[spec %d]", specIndex)
		assert.Equal(t, spec.expArenas, alloc.Arenas(), "[spec %d]", specIndex)
		assert.Equal(t, alloc.TotalFrames(), alloc.FreeFrameCount(), "[spec %d]", specIndex)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	alloc, err := New(0, framesToAddr(2048), Config{})
	require.Nil(t, err)

	// Fragment the arena a bit first.
	first, err := alloc.AllocFrames(0)
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(0), first)

	rootBefore := alloc.RootOrder(0)
	freeBefore := alloc.FreeFrameCount()

	frame, err := alloc.AllocFrames(3)
	require.Nil(t, err)
	assert.Zero(t, uint64(frame)%8, "expected frame 0x%x to be aligned to 8 frames", frame)
	assert.Equal(t, mm.Frame(8), frame)

	size, err := alloc.Size(frame)
	require.Nil(t, err)
	assert.Equal(t, 8*mm.PageSize, size)

	order, err := alloc.Order(frame)
	require.Nil(t, err)
	assert.Equal(t, 3, order)

	require.Nil(t, alloc.FreeFrames(frame))
	assert.Equal(t, rootBefore, alloc.RootOrder(0))
	assert.Equal(t, freeBefore, alloc.FreeFrameCount())

	require.Nil(t, alloc.FreeFrames(first))
	assert.Equal(t, mm.MaxOrder, alloc.RootOrder(0))
}

func TestSplitMergeSymmetry(t *testing.T) {
	for k := 0; k <= 6; k++ {
		alloc, err := New(0, framesToAddr(1<<uint(k)), Config{})
		require.Nil(t, err)
		require.Equal(t, k, alloc.RootOrder(0))

		frames := make([]mm.Frame, 0, 1<<uint(k))
		for i := 0; i < 1<<uint(k); i++ {
			frame, err := alloc.AllocFrames(0)
			require.Nil(t, err, "order %d: alloc %d", k, i)
			assert.Equal(t, mm.Frame(i), frame)
			frames = append(frames, frame)
		}

		assert.Equal(t, -1, alloc.RootOrder(0))
		_, err = alloc.AllocFrames(0)
		assert.Equal(t, errOutOfMemory, err)

		// Release in a scrambled order.
		rand.New(rand.NewSource(int64(k))).Shuffle(len(frames), func(i, j int) {
			frames[i], frames[j] = frames[j], frames[i]
		})
		for _, frame := range frames {
			require.Nil(t, alloc.FreeFrames(frame))
		}

		assert.Equal(t, k, alloc.RootOrder(0), "order %d: expected root order to be restored", k)
		assert.Equal(t, uint64(1)<<uint(k), alloc.FreeFrameCount())

		frame, err := alloc.AllocFrames(k)
		require.Nil(t, err)
		assert.Equal(t, mm.Frame(0), frame)
	}
}

func TestMergeRequiresBothBuddies(t *testing.T) {
	alloc, err := New(0, framesToAddr(4), Config{})
	require.Nil(t, err)

	var frames [4]mm.Frame
	for i := range frames {
		frames[i], err = alloc.AllocFrames(0)
		require.Nil(t, err)
	}

	require.Nil(t, alloc.FreeFrames(frames[0]))
	require.Nil(t, alloc.FreeFrames(frames[2]))
	assert.Equal(t, 0, alloc.RootOrder(0))

	_, err = alloc.AllocFrames(1)
	assert.Equal(t, errOutOfMemory, err)

	require.Nil(t, alloc.FreeFrames(frames[3]))
	assert.Equal(t, 1, alloc.RootOrder(0))

	frame, err := alloc.AllocFrames(1)
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(2), frame)
}

func TestEndToEndScenario(t *testing.T) {
	tracker := memblock.New()
	require.Nil(t, tracker.Add(0x100000, 0x10000000))
	require.Nil(t, tracker.Reserve(0x100000, 0x2000))

	regions := tracker.Regions(memblock.Memory)
	require.Len(t, regions, 1)

	alloc, err := New(0x102000, regions[0].End(), Config{})
	require.Nil(t, err)

	frame, err := alloc.AllocFrames(0)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x102000), frame.Address())

	require.Nil(t, alloc.FreeFrames(frame))

	frame, err = alloc.AllocFrames(0)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0x102000), frame.Address())

	size, err := alloc.Size(mm.FrameFromAddress(0x102000))
	require.Nil(t, err)
	assert.Equal(t, mm.Size(4096), size)
}

func TestInvalidArguments(t *testing.T) {
	alloc, err := New(0x10000, 0x10000+framesToAddr(16), Config{})
	require.Nil(t, err)

	block, err := alloc.AllocFrames(2)
	require.Nil(t, err)

	specs := []struct {
		descr  string
		fn     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"order too large", func() *kernel.Error { _, err := alloc.AllocFrames(mm.MaxOrder + 1); return err }, errInvalidOrder},
		{"negative order", func() *kernel.Error { _, err := alloc.AllocFrames(-1); return err }, errInvalidOrder},
		{"free below range", func() *kernel.Error { return alloc.FreeFrames(0xf) }, errFrameOutOfRange},
		{"free above range", func() *kernel.Error { return alloc.FreeFrames(0x20) }, errFrameOutOfRange},
		{"free unallocated", func() *kernel.Error { return alloc.FreeFrames(block + 4) }, errNotAllocated},
		{"free block tail", func() *kernel.Error { return alloc.FreeFrames(block + 1) }, errNotBlockHead},
		{"size unallocated", func() *kernel.Error { _, err := alloc.Size(block + 8); return err }, errNotAllocated},
		{"size block tail", func() *kernel.Error { _, err := alloc.Size(block + 3); return err }, errNotBlockHead},
		{"reserve outside", func() *kernel.Error { return alloc.ReserveRange(0x1f, 2) }, errFrameOutOfRange},
		{"reserve allocated", func() *kernel.Error { return alloc.ReserveRange(block+2, 1) }, errRangeBusy},
	}

	for specIndex, spec := range specs {
		err := spec.fn()
		assert.Equal(t, spec.expErr, err, "[spec %d] %s", specIndex, spec.descr)
		if err != nil {
			assert.True(t, kernel.Is(err, kernel.ErrKindInvalidArgument), "[spec %d] %s", specIndex, spec.descr)
		}
	}

	require.Nil(t, alloc.FreeFrames(block))
	assert.Equal(t, errNotAllocated, alloc.FreeFrames(block), "double free")
}

func TestMultiArenaExhaustion(t *testing.T) {
	alloc, err := New(0, framesToAddr(3), Config{})
	require.Nil(t, err)

	frame, err := alloc.AllocFrames(1)
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(0), frame)

	// The remaining arena is too small for another order 1 block.
	_, err = alloc.AllocFrames(1)
	require.NotNil(t, err)
	assert.True(t, kernel.Is(err, kernel.ErrKindOutOfMemory))

	frame, err = alloc.AllocFrames(0)
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(2), frame)

	frame, err = alloc.AllocFrame()
	assert.Equal(t, mm.InvalidFrame, frame)
	assert.Equal(t, errOutOfMemory, err)
	assert.Zero(t, alloc.FreeFrameCount())
}

func TestMetadataInRange(t *testing.T) {
	specs := []struct {
		frames       uint64
		expMetadata  uint64
		expFirstFree mm.Frame
	}{
		// 1 + 4095 bytes fit in a single page.
		{2048, 1, 1},
		// 8 full arenas use 8 pages.
		{8 * 2048, 8, 8},
		// 3 pages for 2 full arenas plus a remainder.
		{2*2048 + 1024, 3, 3},
	}

	for specIndex, spec := range specs {
		alloc, err := New(0, framesToAddr(spec.frames), Config{MetadataInRange: true})
		require.Nil(t, err, "[spec %d]", specIndex)
		assert.Zero(t, alloc.MetadataFrames(), "[spec %d]", specIndex)

		require.Nil(t, alloc.ReserveMetadata(), "[spec %d]", specIndex)
		require.Nil(t, alloc.ReserveMetadata(), "[spec %d]", specIndex)

		assert.Equal(t, spec.expMetadata, alloc.MetadataFrames(), "[spec %d]", specIndex)
		assert.Equal(t, spec.frames-spec.expMetadata, alloc.FreeFrameCount(), "[spec %d]", specIndex)

		frame, err := alloc.AllocFrame()
		require.Nil(t, err, "[spec %d]", specIndex)
		assert.Equal(t, spec.expFirstFree, frame, "[spec %d]", specIndex)
	}

	// The trees may consume the whole range.
	alloc, err := New(0, framesToAddr(1), Config{MetadataInRange: true})
	require.Nil(t, err)
	require.Nil(t, alloc.ReserveMetadata())
	assert.Zero(t, alloc.FreeFrameCount())

	// Without the option the trees are not charged to the range.
	alloc, err = New(0, framesToAddr(2048), Config{})
	require.Nil(t, err)
	require.Nil(t, alloc.ReserveMetadata())
	assert.Zero(t, alloc.MetadataFrames())
	assert.Equal(t, uint64(2048), alloc.FreeFrameCount())
}

func TestReserveMetadataSkipsReservedHead(t *testing.T) {
	alloc, err := New(0, framesToAddr(2048), Config{MetadataInRange: true})
	require.Nil(t, err)

	require.Nil(t, alloc.ReserveRange(0, 16))
	require.Nil(t, alloc.ReserveMetadata())
	assert.Equal(t, uint64(1), alloc.MetadataFrames())
	assert.Equal(t, uint64(2048-16-1), alloc.FreeFrameCount())

	order, err := alloc.Order(16)
	require.Nil(t, err)
	assert.Equal(t, 0, order)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(17), frame)
}

func TestReserveMetadataOutOfMemory(t *testing.T) {
	alloc, err := New(0, framesToAddr(2048), Config{MetadataInRange: true})
	require.Nil(t, err)

	require.Nil(t, alloc.ReserveRange(0, 2048))
	assert.Equal(t, errOutOfMemory, alloc.ReserveMetadata())
	assert.Zero(t, alloc.MetadataFrames())
}

func TestReserveRange(t *testing.T) {
	alloc, err := New(0, framesToAddr(16), Config{})
	require.Nil(t, err)

	require.Nil(t, alloc.ReserveRange(3, 6))
	assert.Equal(t, uint64(10), alloc.FreeFrameCount())

	// [3,8] is covered by blocks 3, 4-7 and 8.
	for _, exp := range []struct {
		frame mm.Frame
		order int
	}{{3, 0}, {4, 2}, {8, 0}} {
		order, err := alloc.Order(exp.frame)
		require.Nil(t, err)
		assert.Equal(t, exp.order, order, "frame %d", exp.frame)
	}

	expAllocs := []struct {
		order int
		frame mm.Frame
	}{{1, 0}, {0, 2}, {0, 9}, {1, 10}, {2, 12}}
	for _, exp := range expAllocs {
		frame, err := alloc.AllocFrames(exp.order)
		require.Nil(t, err)
		assert.Equal(t, exp.frame, frame)
	}
	assert.Zero(t, alloc.FreeFrameCount())

	require.Nil(t, alloc.FreeFrames(4))
	assert.Equal(t, uint64(4), alloc.FreeFrameCount())
}

// TestRandomWorkload checks that allocated blocks never overlap and that
// the free frame count always matches a reference model.
func TestRandomWorkload(t *testing.T) {
	const frames = 2048 + 512 + 3

	alloc, err := New(0, framesToAddr(frames), Config{})
	require.Nil(t, err)

	type block struct {
		frame mm.Frame
		order int
	}

	rng := rand.New(rand.NewSource(7))
	owner := make([]bool, frames)
	live := []block{}
	inUse := uint64(0)

	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			b := live[idx]
			live = append(live[:idx], live[idx+1:]...)

			require.Nil(t, alloc.FreeFrames(b.frame), "op %d", i)
			for f := b.frame; f < b.frame+mm.Frame(1)<<uint(b.order); f++ {
				owner[f] = false
			}
			inUse -= 1 << uint(b.order)
			continue
		}

		order := rng.Intn(5)
		frame, err := alloc.AllocFrames(order)
		if err != nil {
			require.True(t, kernel.Is(err, kernel.ErrKindOutOfMemory), "op %d", i)
			continue
		}

		require.Zero(t, uint64(frame)&(1<<uint(order)-1), "op %d: misaligned block", i)
		for f := frame; f < frame+mm.Frame(1)<<uint(order); f++ {
			require.False(t, owner[f], "op %d: frame %d handed out twice", i, f)
			owner[f] = true
		}
		live = append(live, block{frame, order})
		inUse += 1 << uint(order)

		require.Equal(t, uint64(frames)-inUse, alloc.FreeFrameCount(), "op %d", i)
	}

	for _, b := range live {
		require.Nil(t, alloc.FreeFrames(b.frame))
	}
	for i, a := range alloc.Arenas() {
		assert.Equal(t, a.MaxOrder, a.RootOrder, "arena %d not fully merged", i)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	alloc, err := New(0, framesToAddr(2048), Config{})
	require.Nil(t, err)

	const workers = 8
	var wg sync.WaitGroup
	seen := make([][]mm.Frame, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				frame, err := alloc.AllocFrames(i % 3)
				if err != nil {
					t.Errorf("worker %d: unexpected error %v", w, err)
					return
				}
				seen[w] = append(seen[w], frame)
			}
		}(w)
	}
	wg.Wait()

	owner := make(map[mm.Frame]bool)
	for _, frames := range seen {
		for _, frame := range frames {
			order, err := alloc.Order(frame)
			require.Nil(t, err)
			for f := frame; f < frame+mm.Frame(1)<<uint(order); f++ {
				require.False(t, owner[f], "frame %d handed out twice", f)
				owner[f] = true
			}
			require.Nil(t, alloc.FreeFrames(frame))
		}
	}

	assert.Equal(t, mm.MaxOrder, alloc.RootOrder(0))
}
