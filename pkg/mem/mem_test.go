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

package mem

import (
	"testing"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
)

func newPool(t *testing.T, pages uint64) *machine.Machine {
	t.Helper()
	m := machine.New(4 << 20)
	Init(m, machine.RAMStart, machine.RAMStart+pages*PageSize)
	return m
}

func TestAllocFreeRoundTrip(t *testing.T) {
	newPool(t, 64)
	if got := FreePageCount(); got != 64 {
		t.Fatalf("FreePageCount() = %d, want 64", got)
	}
	pa, err := AllocPages(16)
	if err != nil {
		t.Fatalf("AllocPages(16): %v", err)
	}
	if pa%PageSize != 0 {
		t.Errorf("AllocPages returned unaligned address %#x", pa)
	}
	if got := FreePageCount(); got != 48 {
		t.Errorf("FreePageCount() after alloc = %d, want 48", got)
	}
	FreePages(pa, 16)
	if got := FreePageCount(); got != 64 {
		t.Errorf("FreePageCount() after free = %d, want 64", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	newPool(t, 8)
	if _, err := AllocPages(9); err != kerror.ErrNoMem {
		t.Fatalf("AllocPages(9) = %v, want ErrNoMem", err)
	}
	if _, err := AllocPages(8); err != nil {
		t.Fatalf("AllocPages(8): %v", err)
	}
	if _, err := AllocPages(1); err != kerror.ErrNoMem {
		t.Fatalf("AllocPages(1) on empty pool = %v, want ErrNoMem", err)
	}
}

func TestBestFitSelection(t *testing.T) {
	newPool(t, 64)

	// Carve the pool into chunks of 8, 4 and 52 pages. Freeing prepends,
	// so the free list becomes [4-page chunk, 8-page chunk, 52-page
	// remainder].
	a, err := AllocPages(8)
	if err != nil {
		t.Fatalf("AllocPages(8): %v", err)
	}
	b, err := AllocPages(4)
	if err != nil {
		t.Fatalf("AllocPages(4): %v", err)
	}
	FreePages(a, 8)
	FreePages(b, 4)

	// A 3-page request must come from the 4-page chunk (smallest
	// sufficient), not from the larger 8-page chunk or the remainder.
	got, err := AllocPages(3)
	if err != nil {
		t.Fatalf("AllocPages(3): %v", err)
	}
	if got != b {
		t.Errorf("AllocPages(3) = %#x, want best-fit chunk at %#x", got, b)
	}

	// An exact-fit request takes the whole 8-page chunk.
	got, err = AllocPages(8)
	if err != nil {
		t.Fatalf("AllocPages(8): %v", err)
	}
	if got != a {
		t.Errorf("AllocPages(8) = %#x, want exact-fit chunk at %#x", got, a)
	}
}

func TestRemainderRelinked(t *testing.T) {
	newPool(t, 32)
	pa, err := AllocPages(10)
	if err != nil {
		t.Fatalf("AllocPages(10): %v", err)
	}
	if got := FreePageCount(); got != 22 {
		t.Errorf("FreePageCount() = %d, want 22", got)
	}
	// The remainder chunk starts right after the allocated run.
	next, err := AllocPages(22)
	if err != nil {
		t.Fatalf("AllocPages(22): %v", err)
	}
	if want := pa + 10*PageSize; next != want {
		t.Errorf("remainder chunk at %#x, want %#x", next, want)
	}
}

func TestAllocZeroPages(t *testing.T) {
	newPool(t, 8)
	if _, err := AllocPages(0); err != kerror.ErrInvalid {
		t.Fatalf("AllocPages(0) = %v, want ErrInvalid", err)
	}
}
