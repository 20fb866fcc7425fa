// Copyright 2026 The ktOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements a fixed-capacity block cache over a
// positional endpoint. Slots are kept on a singly linked list in
// MRU-to-LRU order; the tail is the eviction victim. All operations
// hold the cache-wide lock, which is also what keeps a pinned block
// from being evicted while its caller works on it.
package cache

import (
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/sched"
)

const (
	// BlockSize is the cached block size in bytes.
	BlockSize = 512

	// Capacity is the number of cache slots.
	Capacity = 64
)

type entry struct {
	pos   uint64
	block []byte
	valid bool
	dirty bool
	next  *entry
}

// Cache is a block cache over a backing endpoint.
type Cache struct {
	bkg  kio.IO
	head *entry
	tail *entry
	lock sched.Lock
}

// New builds a cache over bkg with Capacity invalid slots. The cache
// borrows the caller's reference to bkg.
func New(bkg kio.IO) (*Cache, error) {
	if bkg == nil {
		return nil, kerror.ErrInvalid
	}
	c := &Cache{bkg: bkg}
	c.lock.Init("cache.lock")
	for i := 0; i < Capacity; i++ {
		e := &entry{block: make([]byte, BlockSize)}
		if c.head == nil {
			c.head = e
			c.tail = e
		} else {
			e.next = c.head
			c.head = e
		}
	}
	return c, nil
}

// GetBlock returns a pinned buffer holding the block at byte position
// pos, faulting it in from the backing endpoint on a miss. The caller
// must hand the buffer back with ReleaseBlock.
func (c *Cache) GetBlock(pos uint64) ([]byte, error) {
	if pos%BlockSize != 0 {
		return nil, kerror.ErrInvalid
	}
	c.lock.Acquire()

	// Hit: move to the head so the victim order tracks recency.
	var prev *entry
	for e := c.head; e != nil; e = e.next {
		if e.valid && e.pos == pos {
			c.unlink(e, prev)
			c.pushFront(e)
			return e.block, nil
		}
		prev = e
	}

	// Miss with a never-used slot: fill it in place.
	for e := c.head; e != nil; e = e.next {
		if !e.valid {
			if err := kio.ReadAtFull(c.bkg, pos, e.block); err != nil {
				c.lock.Release()
				return nil, err
			}
			e.valid = true
			e.dirty = false
			e.pos = pos
			return e.block, nil
		}
	}

	// Miss with a full cache: evict the tail, writing it back if
	// dirty, then refill and rethread it to the head.
	victim := c.tail
	if victim.dirty {
		if err := kio.WriteAtFull(c.bkg, victim.pos, victim.block); err != nil {
			c.lock.Release()
			return nil, err
		}
		victim.dirty = false
	}
	if err := kio.ReadAtFull(c.bkg, pos, victim.block); err != nil {
		victim.valid = false
		c.lock.Release()
		return nil, err
	}
	log.WithFields(log.Fields{"evicted": victim.pos, "loaded": pos}).Trace("cache: eviction")
	victim.pos = pos
	c.unlinkTail()
	c.pushFront(victim)
	return victim.block, nil
}

// ReleaseBlock unpins a buffer returned by GetBlock. A dirty release is
// written through to the backing endpoint immediately; durability then
// depends only on release order, not on eviction timing.
func (c *Cache) ReleaseBlock(blk []byte, dirty bool) error {
	defer c.lock.Release()
	if len(blk) != BlockSize {
		return kerror.ErrInvalid
	}
	for e := c.head; e != nil; e = e.next {
		if &e.block[0] != &blk[0] {
			continue
		}
		if dirty {
			if err := kio.WriteAtFull(c.bkg, e.pos, e.block); err != nil {
				e.dirty = true
				return err
			}
			e.dirty = false
		}
		return nil
	}
	return kerror.ErrInvalid
}

// Flush writes back every valid dirty slot and clears its dirty bit.
func (c *Cache) Flush() error {
	c.lock.Acquire()
	defer c.lock.Release()
	for e := c.head; e != nil; e = e.next {
		if !e.valid || !e.dirty {
			continue
		}
		if err := kio.WriteAtFull(c.bkg, e.pos, e.block); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// Backing returns the backing endpoint.
func (c *Cache) Backing() kio.IO {
	return c.bkg
}

func (c *Cache) unlink(e, prev *entry) {
	if prev == nil {
		c.head = e.next
	} else {
		prev.next = e.next
	}
	if c.tail == e {
		c.tail = prev
	}
	e.next = nil
}

func (c *Cache) unlinkTail() {
	var prev *entry
	for e := c.head; e != c.tail; e = e.next {
		prev = e
	}
	c.unlink(c.tail, prev)
}

func (c *Cache) pushFront(e *entry) {
	e.next = c.head
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}
