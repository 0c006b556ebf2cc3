package slab

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yydcnjjw/my-os/kernel/kfmt"
	"github.com/yydcnjjw/my-os/kernel/mm"
)

func TestFreelistConservation(t *testing.T) {
	env := newTestEnv(t, 64)

	c, err := env.alloc.CreateCache("conserve", 1000, 0, nil)
	require.Nil(t, err)
	require.Equal(t, 4, c.ObjectsPerSlab())
	require.Equal(t, 0, c.Order())

	freeBefore := env.pages.FreeFrameCount()

	var objs []uintptr
	seen := make(map[uintptr]bool)
	for i := 0; i < c.ObjectsPerSlab(); i++ {
		obj, err := env.alloc.Alloc(c)
		require.Nil(t, err)
		require.False(t, seen[obj], "object 0x%x handed out twice", obj)
		seen[obj] = true
		objs = append(objs, obj)
	}

	// All objects come from a single slab laid out back to back.
	slabStart := objs[0]
	for i, obj := range objs {
		assert.Equal(t, slabStart+uintptr(i)*uintptr(c.Size()), obj)
	}
	assert.Equal(t, freeBefore-1, env.pages.FreeFrameCount())

	stats := env.alloc.CacheStats(c)
	assert.Equal(t, 1, stats.Slabs)
	assert.Equal(t, uint64(4), stats.ActiveObjects)

	for _, obj := range objs {
		require.Nil(t, env.alloc.Free(c, obj))
	}

	stats = env.alloc.CacheStats(c)
	assert.Zero(t, stats.Slabs)
	assert.Zero(t, stats.PartialSlabs)
	assert.Zero(t, stats.ActiveObjects)
	assert.Equal(t, uint64(4), stats.Allocs)
	assert.Equal(t, uint64(4), stats.Frees)

	// The slab pages went back to the page allocator.
	assert.Equal(t, freeBefore, env.pages.FreeFrameCount())
	frame, err := env.pages.AllocFrames(c.Order())
	require.Nil(t, err)
	assert.Equal(t, mm.FrameFromAddress(slabStart), frame)
	assert.Zero(t, env.descs.Lookup(frame).Flags)
}

func TestPartialSlabPromotion(t *testing.T) {
	env := newTestEnv(t, 64)

	c, err := env.alloc.CreateCache("partial", 1000, 0, nil)
	require.Nil(t, err)
	perSlab := c.ObjectsPerSlab()

	var objs []uintptr
	for i := 0; i < 2*perSlab; i++ {
		obj, err := env.alloc.Alloc(c)
		require.Nil(t, err)
		objs = append(objs, obj)
	}

	stats := env.alloc.CacheStats(c)
	assert.Equal(t, 2, stats.Slabs)
	assert.Zero(t, stats.PartialSlabs, "full slabs are not kept on the partial list")

	// Freeing into the full, non-current slab moves it to the partial list.
	require.Nil(t, env.alloc.Free(c, objs[1]))
	assert.Equal(t, 1, env.alloc.CacheStats(c).PartialSlabs)

	// The current slab is full, so the partial slab is promoted.
	obj, err := env.alloc.Alloc(c)
	require.Nil(t, err)
	assert.Equal(t, objs[1], obj)
	assert.Zero(t, env.alloc.CacheStats(c).PartialSlabs)

	// Freeing into the current slab does not link it.
	require.Nil(t, env.alloc.Free(c, objs[2]))
	assert.Zero(t, env.alloc.CacheStats(c).PartialSlabs)

	// Releasing every object of the second slab returns it.
	for _, obj := range objs[perSlab:] {
		require.Nil(t, env.alloc.Free(c, obj))
	}
	stats = env.alloc.CacheStats(c)
	assert.Equal(t, 1, stats.Slabs)
	assert.Equal(t, uint64(perSlab-1), stats.ActiveObjects)

	// The current slab reuses the freed slot.
	obj, err = env.alloc.Alloc(c)
	require.Nil(t, err)
	assert.Equal(t, objs[2], obj)

	for _, obj := range []uintptr{objs[0], objs[1], objs[2], objs[3]} {
		require.Nil(t, env.alloc.Free(c, obj))
	}
	assert.Zero(t, env.alloc.CacheStats(c).Slabs)
}

func TestFreeErrors(t *testing.T) {
	env := newTestEnv(t, 64)

	a, err := env.alloc.CreateCache("a", 64, 0, nil)
	require.Nil(t, err)
	b, err := env.alloc.CreateCache("b", 64, 0, nil)
	require.Nil(t, err)

	obj, err := env.alloc.Alloc(a)
	require.Nil(t, err)
	keep, err := env.alloc.Alloc(a)
	require.Nil(t, err)

	assert.Equal(t, errWrongCache, env.alloc.Free(b, obj))
	assert.Equal(t, errInvalidPointer, env.alloc.Free(a, obj+1))
	assert.Equal(t, errInvalidPointer, env.alloc.Free(a, testBase+40<<mm.PageShift))
	assert.Equal(t, errInvalidPointer, env.alloc.Free(a, 0))

	require.Nil(t, env.alloc.Free(a, obj))
	assert.Equal(t, errDoubleFree, env.alloc.Free(a, obj))
	assert.Equal(t, errDoubleFree, env.alloc.Kfree(obj))

	require.Nil(t, env.alloc.Kfree(keep))
	assert.Zero(t, env.alloc.CacheStats(a).ActiveObjects)
}

func TestAllocFreeLogging(t *testing.T) {
	env := newTestEnv(t, 64)

	c, err := env.alloc.CreateCache("logged", 64, 0, nil)
	require.Nil(t, err)

	// Grow the cache before capturing the output
	first, err := env.alloc.Alloc(c)
	require.Nil(t, err)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)
	buf.Reset()

	obj, err := env.alloc.Alloc(c)
	require.Nil(t, err)
	require.Nil(t, env.alloc.Free(c, obj))
	require.Nil(t, env.alloc.Free(c, first))
	assert.NotNil(t, env.alloc.Free(c, first))

	output := buf.String()
	for _, exp := range []string{
		fmt.Sprintf("[slab] alloc: 0x%x, cache logged\n", obj),
		fmt.Sprintf("[slab] free: 0x%x, cache logged\n", obj),
		fmt.Sprintf("[slab] free: 0x%x, cache logged\n", first),
	} {
		assert.Contains(t, output, exp)
	}

	// The failed free is not reported
	assert.Equal(t, 1, strings.Count(output, fmt.Sprintf("free: 0x%x,", first)))
}
