package buddy

import "github.com/yydcnjjw/my-os/kernel/mm"

// nodeState is the value stored for each node of an arena tree. The zero
// value marks a node whose whole subtree is unavailable; a value of k+1
// means that a free block of order k can be found below the node.
type nodeState uint8

const allocated nodeState = 0

// freeState returns the state of a node with a free block of the given order.
func freeState(order int) nodeState {
	return nodeState(order + 1)
}

// Order returns the order of the largest free block below the node or -1 if
// no free block is available.
func (s nodeState) Order() int {
	return int(s) - 1
}

func leftChild(index int) int  { return 2*index + 1 }
func rightChild(index int) int { return 2*index + 2 }
func parent(index int) int     { return (index+1)/2 - 1 }

// arena manages 2^maxOrder contiguous frames with an implicit complete
// binary tree. Node 0 is the root; a node at depth d describes a block of
// order maxOrder-d.
type arena struct {
	start    mm.Frame
	maxOrder int
	nodes    []nodeState
}

func newArena(start mm.Frame, maxOrder int) *arena {
	a := &arena{
		start:    start,
		maxOrder: maxOrder,
		nodes:    make([]nodeState, nodeCount(maxOrder)),
	}

	order := maxOrder + 1
	for i := range a.nodes {
		if mm.IsPowerOf2(uint64(i + 1)) {
			order--
		}
		a.nodes[i] = freeState(order)
	}

	return a
}

// nodeCount returns the number of tree nodes needed for an arena of the
// given order.
func nodeCount(maxOrder int) int {
	return (2 << uint(maxOrder)) - 1
}

// frames returns the number of frames covered by the arena.
func (a *arena) frames() uint64 {
	return 1 << uint(a.maxOrder)
}

// contains returns true if frame belongs to the arena.
func (a *arena) contains(frame mm.Frame) bool {
	return frame >= a.start && uint64(frame-a.start) < a.frames()
}

// rootOrder returns the order of the largest free block in the arena or -1.
func (a *arena) rootOrder() int {
	return a.nodes[0].Order()
}

// offsetOf converts a node index at the given order into a frame offset
// relative to the arena start.
func (a *arena) offsetOf(index, order int) uint64 {
	return uint64(index+1)<<uint(order) - a.frames()
}

// leafOf returns the leaf node index for a frame offset.
func (a *arena) leafOf(offset uint64) int {
	return int(offset + a.frames() - 1)
}

// alloc finds the left-most free block of the requested order, marks it as
// allocated and returns its frame offset.
func (a *arena) alloc(order int) (uint64, bool) {
	if order > a.maxOrder || a.nodes[0] < freeState(order) {
		return 0, false
	}

	index := 0
	for nodeOrder := a.maxOrder; nodeOrder != order; nodeOrder-- {
		if a.nodes[leftChild(index)] >= freeState(order) {
			index = leftChild(index)
		} else {
			index = rightChild(index)
		}
	}

	a.nodes[index] = allocated
	a.updateAncestors(index)
	return a.offsetOf(index, order), true
}

// findBlock walks from the leaf for offset towards the root and returns the
// node index and order of the allocated block covering it. It returns false
// if offset does not belong to an allocated block.
func (a *arena) findBlock(offset uint64) (int, int, bool) {
	index, order := a.leafOf(offset), 0
	for a.nodes[index] != allocated {
		if index == 0 {
			return 0, 0, false
		}
		index = parent(index)
		order++
	}
	return index, order, true
}

// free releases the block at node index and merges it with its buddies.
func (a *arena) free(index, order int) {
	a.nodes[index] = freeState(order)

	for index != 0 {
		index = parent(index)
		order++

		left, right := a.nodes[leftChild(index)], a.nodes[rightChild(index)]
		if left == freeState(order-1) && right == freeState(order-1) {
			a.nodes[index] = freeState(order)
		} else {
			a.nodes[index] = maxState(left, right)
		}
	}
}

// reserve marks the block of the given order that starts at offset as
// allocated. It fails if any part of the block is already allocated.
func (a *arena) reserve(offset uint64, order int) bool {
	target := int((offset+a.frames())>>uint(order)) - 1
	if a.nodes[target] != freeState(order) {
		return false
	}

	// An allocated ancestor leaves stale values in its subtree.
	for index := target; index != 0; {
		index = parent(index)
		if a.nodes[index] == allocated {
			return false
		}
	}

	a.nodes[target] = allocated
	a.updateAncestors(target)
	return true
}

func (a *arena) updateAncestors(index int) {
	for index != 0 {
		index = parent(index)
		a.nodes[index] = maxState(a.nodes[leftChild(index)], a.nodes[rightChild(index)])
	}
}

func maxState(a, b nodeState) nodeState {
	if a > b {
		return a
	}
	return b
}
