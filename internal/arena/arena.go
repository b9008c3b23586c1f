// Package arena keeps strings handed to a backend alive for the whole
// session.
//
// A backend may hold on to a string it received through a callback for as
// long as it likes, so individual strings are never freed. Everything is
// released at once by [Arena.ReleaseAll] when the session is torn down.
package arena

// Handle is an opaque reference to a string allocated in an [Arena]. The zero
// Handle never refers to an allocation.
type Handle uint64

// indexBits is the number of low bits of a Handle holding the slot index; the
// remaining high bits hold the arena generation that issued it.
const indexBits = 32

// Arena owns an ordered sequence of NUL-terminated byte strings.
//
// An Arena is not safe for concurrent use: it is only touched from the worker
// goroutine that runs the backend.
type Arena struct {
	gen   uint32
	slots [][]byte
	bytes int
}

// New returns an empty Arena.
func New() *Arena {
	return &Arena{gen: 1}
}

// Alloc copies s into the arena and returns its handle.
func (a *Arena) Alloc(s string) Handle {
	b := make([]byte, len(s)+1)
	copy(b, s)
	a.slots = append(a.slots, b)
	a.bytes += len(b)
	return Handle(uint64(a.gen)<<indexBits | uint64(len(a.slots)))
}

// Bytes returns the NUL-terminated bytes behind h. ok is false for the zero
// handle and for handles issued before the last [Arena.ReleaseAll].
func (a *Arena) Bytes(h Handle) (b []byte, ok bool) {
	gen := uint32(uint64(h) >> indexBits)
	idx := int(uint32(h))
	if gen != a.gen || idx == 0 || idx > len(a.slots) {
		return nil, false
	}
	return a.slots[idx-1], true
}

// String returns the Go string behind h without its terminator.
func (a *Arena) String(h Handle) (string, bool) {
	b, ok := a.Bytes(h)
	if !ok {
		return "", false
	}
	return string(b[:len(b)-1]), true
}

// Len returns the number of live allocations.
func (a *Arena) Len() int { return len(a.slots) }

// Size returns the number of bytes held, terminators included.
func (a *Arena) Size() int { return a.bytes }

// ReleaseAll drops every allocation and invalidates all handles issued so
// far. It returns how many allocations were released; a second call with no
// allocations in between returns zero.
func (a *Arena) ReleaseAll() int {
	n := len(a.slots)
	clear(a.slots)
	a.slots = a.slots[:0]
	a.bytes = 0
	a.gen++
	if a.gen == 0 {
		a.gen = 1
	}
	return n
}
