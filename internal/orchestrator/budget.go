package orchestrator

import "sync"

// Budget counts item units. A unit is reserved when a detail task is scheduled and either
// committed once the record is persisted or released when the task ends without one.
// reserved+committed never exceeds max. A max of zero means unlimited.
type Budget struct {
	mu        sync.Mutex
	max       int
	reserved  int
	committed int
}

// NewBudget returns a budget of max units.
func NewBudget(maxItems int) *Budget {
	if maxItems < 0 {
		maxItems = 0
	}
	return &Budget{max: maxItems}
}

// TryReserve takes one unit if any remain.
func (b *Budget) TryReserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && b.reserved+b.committed >= b.max {
		return false
	}
	b.reserved++
	return true
}

// Commit turns a reserved unit into a committed one and reports whether the budget is now full.
func (b *Budget) Commit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved > 0 {
		b.reserved--
	}
	b.committed++
	return b.max > 0 && b.committed >= b.max
}

// Release returns a reserved unit.
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved > 0 {
		b.reserved--
	}
}

// HasRoom reports whether another unit could be reserved.
func (b *Budget) HasRoom() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max == 0 || b.reserved+b.committed < b.max
}

// Full reports whether every unit is committed.
func (b *Budget) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max > 0 && b.committed >= b.max
}

// Counts returns the reserved and committed units.
func (b *Budget) Counts() (reserved, committed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved, b.committed
}
