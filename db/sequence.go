package db

import (
	"fmt"
	"sync"
)

// AllocationCounter hands out log offsets. It leases a block of ids at a time
// and persists the lease end before issuing from it, so a restart resumes past
// every id that could have been issued and an id is never reused.
// One counter exists per manager and is shared by every index on it.
type AllocationCounter struct {
	persist   func(leaseEnd uint64) error
	bandwidth uint64
	readOnly  bool

	mu       sync.Mutex
	nextVal  uint64 // Next value to return
	leaseEnd uint64 // End of current lease
	closed   bool
}

// newAllocationCounter resumes from the persisted lease end, or from start when larger.
// Id 0 is reserved as the zero StoreEntry.
func newAllocationCounter(persisted, start, bandwidth uint64, readOnly bool, persist func(uint64) error) *AllocationCounter {
	next := persisted
	if start > next {
		next = start
	}
	if next == 0 {
		next = 1
	}
	if bandwidth == 0 {
		bandwidth = 1
	}

	return &AllocationCounter{
		persist:   persist,
		bandwidth: bandwidth,
		readOnly:  readOnly,
		nextVal:   next,
		leaseEnd:  persisted,
	}
}

// Next reserves the next id
func (c *AllocationCounter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	if c.readOnly {
		return 0, ErrReadOnly
	}

	if c.nextVal >= c.leaseEnd {
		newLease := c.nextVal + c.bandwidth
		if err := c.persist(newLease); err != nil {
			return 0, fmt.Errorf("failed to persist counter lease: %w", err)
		}
		c.leaseEnd = newLease
	}

	val := c.nextVal
	c.nextVal++
	return val, nil
}

// Peek returns the id the next call to Next would issue
func (c *AllocationCounter) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextVal
}

// Close persists the unused part of the lease to keep restart gaps small.
func (c *AllocationCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.readOnly || c.nextVal >= c.leaseEnd {
		return nil
	}
	return c.persist(c.nextVal)
}
