// Package fdtable maps private descriptor numbers to controller
// connection handles. Private descriptors live in a reserved band that
// never touches real kernel descriptors, so intercepted calls can tell
// at a glance which descriptors they own.
package fdtable

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	DefaultBase     = 1000
	DefaultCapacity = 24
)

// ErrExhausted is returned by Allocate when every slot in the band is
// in use. Callers surface it as an EMFILE-class failure.
var ErrExhausted = errors.New("descriptor table exhausted")

// Table hands out descriptor numbers from a fixed band and remembers
// the connection handle behind each one. Released slots go back on a
// free list and are reused. A slot is live iff its handle is nonzero.
type Table struct {
	mu      sync.Mutex
	base    int
	handles []uint32
	free    []int
}

// New makes a table over the band [base, base+capacity). Non-positive
// arguments fall back to the defaults.
func New(base, capacity int) *Table {
	if base <= 0 {
		base = DefaultBase
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{
		base:    base,
		handles: make([]uint32, capacity),
		free:    make([]int, 0, capacity),
	}
	// stacked in reverse so the first allocation is base itself
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// Allocate reserves a descriptor for the given handle. Handle 0 is
// reserved to mean "absent" on the wire and is rejected here.
func (t *Table) Allocate(handle uint32) (int, error) {
	if handle == 0 {
		return -1, errors.New("connection handle 0 is reserved")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return -1, fmt.Errorf("%w: %d descriptors in use", ErrExhausted, len(t.handles))
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.handles[slot] = handle
	return t.base + slot, nil
}

// Resolve reports the handle behind fd. ok is false when fd is outside
// the band or its slot is not live; such descriptors are not ours and
// the caller should pass the operation through.
func (t *Table) Resolve(fd int) (handle uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := fd - t.base
	if slot < 0 || slot >= len(t.handles) || t.handles[slot] == 0 {
		return 0, false
	}
	return t.handles[slot], true
}

// Release frees fd's slot and reports the handle it held. Releasing a
// descriptor that is not live is a harmless no-op.
func (t *Table) Release(fd int) (handle uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := fd - t.base
	if slot < 0 || slot >= len(t.handles) || t.handles[slot] == 0 {
		return 0, false
	}
	handle = t.handles[slot]
	t.handles[slot] = 0
	t.free = append(t.free, slot)
	return handle, true
}

// InBand reports whether fd falls inside the reserved band, live or
// not.
func (t *Table) InBand(fd int) bool {
	return fd >= t.base && fd < t.base+len(t.handles)
}

func (t *Table) Base() int { return t.base }

// Len reports the number of live descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles) - len(t.free)
}

// BaseAboveLimit picks a band base just above the process's soft limit
// on open files, so the kernel can never hand out a real descriptor
// that collides with the private band. Falls back to DefaultBase when
// the limit cannot be read or is unlimited.
func BaseAboveLimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return DefaultBase
	}
	const maxBase = 1 << 24
	if rl.Cur == unix.RLIM_INFINITY || rl.Cur >= maxBase {
		return DefaultBase
	}
	return int(rl.Cur) + 1
}
