package page

import "github.com/yydcnjjw/my-os/kernel/mm"

// List is a doubly linked list of page descriptors. Links are stored as
// frame numbers inside the descriptors so a frame can be on at most one list
// at a time. The zero value is an empty list.
type List struct {
	head, tail mm.Frame
	len        int
}

// Len returns the number of frames in the list.
func (l *List) Len() int {
	return l.len
}

// Front returns the first descriptor in the list or nil if the list is empty.
func (l *List) Front(t *Table) *Descriptor {
	if l.len == 0 {
		return nil
	}
	return t.Lookup(l.head)
}

// Next returns the descriptor following d or nil if d is the last one.
func (l *List) Next(t *Table, d *Descriptor) *Descriptor {
	if d.frame == l.tail {
		return nil
	}
	return t.Lookup(d.next)
}

// PushFront inserts d at the head of the list. It is a no-op if d is already
// linked into a list.
func (l *List) PushFront(t *Table, d *Descriptor) {
	if d.linked {
		return
	}

	d.linked = true
	d.prev = mm.InvalidFrame
	if l.len == 0 {
		d.next = mm.InvalidFrame
		l.tail = d.frame
	} else {
		d.next = l.head
		t.Lookup(l.head).prev = d.frame
	}
	l.head = d.frame
	l.len++
}

// Remove unlinks d from the list. It is a no-op if d is not linked.
func (l *List) Remove(t *Table, d *Descriptor) {
	if !d.linked {
		return
	}

	if d.frame == l.head {
		l.head = d.next
	} else {
		t.Lookup(d.prev).next = d.next
	}
	if d.frame == l.tail {
		l.tail = d.prev
	} else {
		t.Lookup(d.next).prev = d.prev
	}

	d.linked = false
	d.prev, d.next = mm.InvalidFrame, mm.InvalidFrame
	l.len--
}

// Frames returns the frames in the list from head to tail.
func (l *List) Frames(t *Table) []mm.Frame {
	out := make([]mm.Frame, 0, l.len)
	for d := l.Front(t); d != nil; d = l.Next(t, d) {
		out = append(out, d.frame)
	}
	return out
}
