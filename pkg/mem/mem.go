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

// Package mem implements the physical page pool: a free list of chunks,
// where a chunk is a run of consecutive free pages described by a header
// stored in the first sixteen bytes of the run itself.
//
// Every page of RAM handed to the pool is either on the free list or
// owned by exactly one consumer. The header of an allocated chunk is
// overwritten by caller content, so FreePages must be given the original
// base and count.
package mem

import (
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
)

// PageSize is the allocation unit.
const PageSize = machine.PageSize

// Chunk header layout, little-endian words at the chunk base:
// +0 physical address of the next chunk (0 terminates the list)
// +8 number of pages in this chunk
const (
	hdrNext  = 0
	hdrCount = 8
)

type pool struct {
	m    *machine.Machine
	head uint64
	base uint64
	end  uint64
}

var pagePool pool

// Init seeds the pool with the physical range [base, end), rounded
// inward to page boundaries. It discards any previous pool state.
func Init(m *machine.Machine, base, end uint64) {
	base = roundUp(base)
	end = roundDown(end)
	pagePool = pool{m: m, base: base, end: end}
	if end <= base {
		return
	}
	npages := (end - base) / PageSize
	m.WriteWord(base+hdrNext, 0)
	m.WriteWord(base+hdrCount, npages)
	pagePool.head = base
	log.WithFields(log.Fields{
		"base":  base,
		"pages": npages,
	}).Debug("mem: page pool seeded")
}

// AllocPage allocates a single page.
func AllocPage() (uint64, error) {
	return AllocPages(1)
}

// AllocPages returns the base address of a run of n contiguous free
// pages, taken from the smallest chunk that can satisfy the request.
// If the chunk is an exact fit it is unlinked; otherwise the leading n
// pages are returned and the remainder is relinked in place.
func AllocPages(n uint64) (uint64, error) {
	if n == 0 {
		return 0, kerror.ErrInvalid
	}
	p := &pagePool
	var bestPrev, best uint64
	bestCount := ^uint64(0)
	prev := uint64(0)
	for c := p.head; c != 0; c = p.m.ReadWord(c + hdrNext) {
		count := p.m.ReadWord(c + hdrCount)
		if count >= n && count < bestCount {
			bestPrev, best, bestCount = prev, c, count
		}
		prev = c
	}
	if best == 0 {
		return 0, kerror.ErrNoMem
	}
	next := p.m.ReadWord(best + hdrNext)
	if bestCount == n {
		p.relink(bestPrev, next)
	} else {
		rest := best + n*PageSize
		p.m.WriteWord(rest+hdrNext, next)
		p.m.WriteWord(rest+hdrCount, bestCount-n)
		p.relink(bestPrev, rest)
	}
	return best, nil
}

// FreePage returns a single page to the pool.
func FreePage(pa uint64) {
	FreePages(pa, 1)
}

// FreePages returns the run [pa, pa+n pages) to the pool by prepending a
// new chunk. Adjacent chunks are not coalesced; fragmentation is bounded
// by the chunk count.
func FreePages(pa uint64, n uint64) {
	p := &pagePool
	if n == 0 || pa%PageSize != 0 || pa < p.base || pa+n*PageSize > p.end {
		panic("mem: bad page free")
	}
	p.m.WriteWord(pa+hdrNext, p.head)
	p.m.WriteWord(pa+hdrCount, n)
	p.head = pa
}

// FreePageCount walks the free list and returns the number of free
// pages.
func FreePageCount() uint64 {
	p := &pagePool
	var total uint64
	for c := p.head; c != 0; c = p.m.ReadWord(c + hdrNext) {
		total += p.m.ReadWord(c + hdrCount)
	}
	return total
}

// ZeroPage clears the page at pa.
func ZeroPage(pa uint64) {
	b := pagePool.m.Bytes(pa, PageSize)
	for i := range b {
		b[i] = 0
	}
}

func (p *pool) relink(prev, next uint64) {
	if prev == 0 {
		p.head = next
	} else {
		p.m.WriteWord(prev+hdrNext, next)
	}
}

func roundUp(a uint64) uint64 {
	return (a + PageSize - 1) &^ uint64(PageSize-1)
}

func roundDown(a uint64) uint64 {
	return a &^ uint64(PageSize-1)
}
