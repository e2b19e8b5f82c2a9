package display

import (
	"fmt"
	"sort"
)

// allocator hands out X display numbers. Released numbers are reused
// before the cursor advances, lowest first, so a long-lived server does
// not march display numbers (and with them VNC ports) off into the
// distance.
type allocator struct {
	start    int
	max      int
	next     int
	inUse    map[int]bool
	released map[int]bool
}

func newAllocator(start, max int) *allocator {
	return &allocator{
		start:    start,
		max:      max,
		next:     start,
		inUse:    make(map[int]bool),
		released: make(map[int]bool),
	}
}

func (a *allocator) allocate() (int, error) {
	if len(a.released) > 0 {
		nums := make([]int, 0, len(a.released))
		for n := range a.released {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		n := nums[0]
		delete(a.released, n)
		a.inUse[n] = true
		return n, nil
	}

	if len(a.inUse) >= a.max {
		return 0, fmt.Errorf("all %d displays are in use", a.max)
	}

	n := a.next
	a.next++
	a.inUse[n] = true
	return n, nil
}

// claim marks a specific number as in use, for recovery of sessions
// that already had a display bound.
func (a *allocator) claim(n int) error {
	if a.inUse[n] {
		return fmt.Errorf("display :%d is already in use", n)
	}
	delete(a.released, n)
	a.inUse[n] = true
	if n >= a.next {
		a.next = n + 1
	}
	return nil
}

func (a *allocator) release(n int) {
	if !a.inUse[n] {
		return
	}
	delete(a.inUse, n)
	a.released[n] = true
}

func (a *allocator) activeCount() int {
	return len(a.inUse)
}
