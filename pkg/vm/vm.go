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

// Package vm implements Sv39 three-level paging over the machine's
// physical memory: the boot mapping, map/unmap of page ranges, clone and
// reset of the active address space, the user page-fault handler, and
// user pointer validation.
//
// Page tables live in physical pages; entries are little-endian 64-bit
// words, so the tables the walker sees are the byte images hardware
// would see.
package vm

import (
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/mem"
)

// Flags are the PTE permission and attribute bits.
type Flags uint64

// PTE flag bits.
const (
	FlagV Flags = 1 << 0
	FlagR Flags = 1 << 1
	FlagW Flags = 1 << 2
	FlagX Flags = 1 << 3
	FlagU Flags = 1 << 4
	FlagG Flags = 1 << 5
	FlagA Flags = 1 << 6
	FlagD Flags = 1 << 7
)

const flagMask Flags = 0xFF

// Virtual memory layout.
const (
	PageSize = machine.PageSize
	MegaSize = 512 * PageSize
	GigaSize = 512 * MegaSize

	// UmemStart and UmemEnd bound the user memory window. The user stack
	// occupies the topmost page.
	UmemStart uint64 = 0xC000_0000
	UmemEnd   uint64 = 0x1_0000_0000

	// ValidateStrMax bounds string validation.
	ValidateStrMax = 8192
)

// Tag identifies an address space. Its value is the SATP register image:
// mode, ASID and root page number.
type Tag uint64

const (
	satpModeSv39 uint64 = 8
	ppnMask      uint64 = (1 << 44) - 1
)

func tagFor(root uint64) Tag {
	return Tag(satpModeSv39<<60 | root>>12&ppnMask)
}

func (t Tag) root() uint64 {
	return uint64(t) & ppnMask << 12
}

type pte uint64

func (p pte) valid() bool { return p&pte(FlagV) != 0 }
func (p pte) leaf() bool  { return p&pte(FlagR|FlagW|FlagX) != 0 }
func (p pte) global() bool { return p&pte(FlagG) != 0 }
func (p pte) pa() uint64  { return uint64(p) >> 10 << 12 }
func (p pte) flags() Flags { return Flags(p) & flagMask }

func leafPTE(pa uint64, fl Flags) pte {
	return pte(pa>>12<<10) | pte((fl|FlagA|FlagD|FlagV)&flagMask)
}

func ptabPTE(pa uint64) pte {
	return pte(pa>>12<<10) | pte(FlagV)
}

func vpn(level int, va uint64) uint64 {
	return va >> (12 + 9*level) & 0x1FF
}

// wellformed reports whether va is a canonical Sv39 address: bits 63:38
// must be a sign extension of bit 38.
func wellformed(va uint64) bool {
	ext := va >> 38
	return ext == 0 || ext == 1<<26-1
}

var (
	km      *machine.Machine
	mainTag Tag
	active  Tag
)

// Kernel image layout inside the first two megabytes of RAM. The
// machine loads no real image, but the regions keep their hardware
// permissions so the kernel mapping stays W^X: text executes and never
// writes, rodata only reads, and everything from the data region up is
// read/write.
const (
	kimgTextSize   = 512 << 10
	kimgRodataSize = 256 << 10
)

// KimgTextEnd is the first byte past the kernel text region.
const KimgTextEnd = machine.RAMStart + kimgTextSize

// KimgRodataEnd is the first byte past the kernel rodata region; the
// kernel data region starts here.
const KimgRodataEnd = KimgTextEnd + kimgRodataSize

// Init builds the boot mapping and seeds the physical page pool with the
// RAM left over after the boot page tables:
//
//	[0, RAMStart)                identity-mapped R/W gigapages, global (MMIO)
//	[RAMStart, KimgTextEnd)      per-page R/X, global (kernel text)
//	[KimgTextEnd, KimgRodataEnd) per-page R, global (kernel rodata)
//	[KimgRodataEnd, RAMStart+2M) per-page R/W, global (kernel data, heap)
//	[RAMStart+2M, RAMEnd)        R/W megapages, global
//
// The boot tables come from a bump cursor at the bottom of the kernel
// data region; the pool receives everything above the cursor.
func Init(m *machine.Machine) {
	km = m
	brk := KimgRodataEnd

	allocBoot := func() uint64 {
		pa := brk
		brk += PageSize
		zeroPage(pa)
		return pa
	}

	root := allocBoot()

	// MMIO gigapages below RAM.
	for pma := uint64(0); pma < machine.RAMStart; pma += GigaSize {
		slot := root + 8*vpn(2, pma)
		m.WriteWord(slot, uint64(leafPTE(pma, FlagR|FlagW|FlagG)))
	}

	// The first two megabytes of RAM are mapped per page, carrying the
	// kernel image permissions region by region.
	low := machine.RAMStart + 2*MegaSize
	if low > m.RAMEnd() {
		low = m.RAMEnd()
	}
	for pma := machine.RAMStart; pma < low; pma += PageSize {
		fl := FlagR | FlagW
		switch {
		case pma < KimgTextEnd:
			fl = FlagR | FlagX
		case pma < KimgRodataEnd:
			fl = FlagR
		}
		mustMapBoot(root, pma, 0, fl|FlagG, allocBoot)
	}

	// The rest of RAM is mapped with megapages.
	for pma := low; pma < m.RAMEnd(); pma += MegaSize {
		mustMapBoot(root, pma, 1, FlagR|FlagW|FlagG, allocBoot)
	}

	mainTag = tagFor(root)
	active = mainTag

	mem.Init(m, brk, m.RAMEnd())
	log.WithFields(log.Fields{
		"main_tag":   mainTag,
		"boot_pages": (brk - KimgRodataEnd) / PageSize,
	}).Debug("vm: boot mapping installed")
}

// mustMapBoot installs an identity leaf for pma at the given level,
// creating interior tables with allocBoot. Boot mapping failures are
// fatal.
func mustMapBoot(root, pma uint64, level int, fl Flags, allocBoot func() uint64) {
	tab := root
	for lvl := 2; lvl > level; lvl-- {
		slot := tab + 8*vpn(lvl, pma)
		e := pte(km.ReadWord(slot))
		if !e.valid() {
			next := allocBoot()
			km.WriteWord(slot, uint64(ptabPTE(next)))
			tab = next
			continue
		}
		if e.leaf() {
			panic("vm: boot mapping collides with a larger leaf")
		}
		tab = e.pa()
	}
	km.WriteWord(tab+8*vpn(level, pma), uint64(leafPTE(pma, fl)))
}

// MainTag returns the tag of the main (kernel-only) address space.
func MainTag() Tag {
	return mainTag
}

// ActiveTag returns the tag of the active address space.
func ActiveTag() Tag {
	return active
}

// Switch installs tag as the active address space and returns the
// previous tag.
func Switch(tag Tag) Tag {
	prev := active
	active = tag
	return prev
}

// walk descends the active space's tables for va. If create is set,
// missing interior tables are allocated from the page pool. It returns
// the physical address of the PTE slot and the level at which the walk
// stopped: level 0 for a normal slot, higher for an existing big-page
// leaf.
func walk(va uint64, create bool) (slot uint64, level int, err error) {
	if !wellformed(va) {
		return 0, 0, kerror.ErrInvalid
	}
	tab := active.root()
	for lvl := 2; lvl > 0; lvl-- {
		s := tab + 8*vpn(lvl, va)
		e := pte(km.ReadWord(s))
		if !e.valid() {
			if !create {
				return 0, 0, kerror.ErrInvalid
			}
			pa, aerr := mem.AllocPage()
			if aerr != nil {
				return 0, 0, aerr
			}
			zeroPage(pa)
			km.WriteWord(s, uint64(ptabPTE(pa)))
			tab = pa
			continue
		}
		if e.leaf() {
			return s, lvl, nil
		}
		tab = e.pa()
	}
	return tab + 8*vpn(0, va), 0, nil
}

// MapPage installs a leaf for va -> pa with the given flags in the
// active space. A va whose leaf is already valid is refused.
func MapPage(va, pa uint64, fl Flags) error {
	if va%PageSize != 0 || pa%PageSize != 0 {
		return kerror.ErrInvalid
	}
	slot, level, err := walk(va, true)
	if err != nil {
		return err
	}
	if level != 0 || pte(km.ReadWord(slot)).valid() {
		return kerror.ErrInvalid
	}
	km.WriteWord(slot, uint64(leafPTE(pa, fl)))
	return nil
}

// MapRange maps size bytes at va to the physical range starting at pa.
// On partial failure the pages already placed are unmapped and freed.
func MapRange(va, size, pa uint64, fl Flags) error {
	if size == 0 {
		return nil
	}
	end := pageRoundUp(va + size)
	va = pageRoundDown(va)
	for p := va; p < end; p += PageSize {
		if err := MapPage(p, pa+(p-va), fl); err != nil {
			UnmapAndFreeRange(va, p-va)
			return err
		}
	}
	return nil
}

// AllocAndMapRange allocates fresh zeroed pages for [va, va+size) and
// maps them with the given flags. On partial failure the range placed so
// far is unmapped and freed.
func AllocAndMapRange(va, size uint64, fl Flags) error {
	if size == 0 {
		return nil
	}
	end := pageRoundUp(va + size)
	va = pageRoundDown(va)
	for p := va; p < end; p += PageSize {
		pa, err := mem.AllocPage()
		if err != nil {
			UnmapAndFreeRange(va, p-va)
			return err
		}
		zeroPage(pa)
		if err := MapPage(p, pa, fl); err != nil {
			mem.FreePage(pa)
			UnmapAndFreeRange(va, p-va)
			return err
		}
	}
	return nil
}

// SetRangeFlags rewrites the leaf flags for every page of [va, va+size).
// The A, D and V bits are always set; the physical address is untouched.
func SetRangeFlags(va, size uint64, fl Flags) error {
	if size == 0 {
		return nil
	}
	end := pageRoundUp(va + size)
	for p := pageRoundDown(va); p < end; p += PageSize {
		slot, level, err := walk(p, false)
		if err != nil {
			return err
		}
		e := pte(km.ReadWord(slot))
		if level != 0 || !e.valid() {
			return kerror.ErrInvalid
		}
		km.WriteWord(slot, uint64(leafPTE(e.pa(), fl)))
	}
	return nil
}

// UnmapAndFreeRange clears every page of [va, va+size) whose leaf is
// valid and non-global, returning the backing page to the pool. Global
// and big-page leaves are left alone.
func UnmapAndFreeRange(va, size uint64) {
	if size == 0 {
		return
	}
	end := pageRoundUp(va + size)
	for p := pageRoundDown(va); p < end; p += PageSize {
		slot, level, err := walk(p, false)
		if err != nil || level != 0 {
			continue
		}
		e := pte(km.ReadWord(slot))
		if !e.valid() || e.global() {
			continue
		}
		mem.FreePage(e.pa())
		km.WriteWord(slot, 0)
	}
}

// CloneActive builds a copy of the active address space and returns its
// tag. Interior tables are freshly allocated; global leaves and
// mega/giga-page leaves are shared by reference; non-global user pages
// are materialized with a byte copy. Allocation failure during a clone
// leaves the kernel in an unrecoverable half-built state and panics.
func CloneActive() Tag {
	root := cloneTable(active.root(), 2)
	return tagFor(root)
}

func cloneTable(src uint64, level int) uint64 {
	dst := mustAllocPage()
	for i := uint64(0); i < 512; i++ {
		e := pte(km.ReadWord(src + 8*i))
		if !e.valid() {
			continue
		}
		switch {
		case !e.leaf():
			child := cloneTable(e.pa(), level-1)
			km.WriteWord(dst+8*i, uint64(ptabPTE(child)))
		case e.global() || level > 0:
			km.WriteWord(dst+8*i, uint64(e))
		default:
			pa := mustAllocPage()
			copy(km.Bytes(pa, PageSize), km.Bytes(e.pa(), PageSize))
			km.WriteWord(dst+8*i, uint64(leafPTE(pa, e.flags())))
		}
	}
	return dst
}

func mustAllocPage() uint64 {
	pa, err := mem.AllocPage()
	if err != nil {
		panic("vm: out of memory during address space clone")
	}
	zeroPage(pa)
	return pa
}

// ResetActive frees every non-global leaf page of the active space and
// zeroes its leaf PTE. Interior tables are kept.
func ResetActive() {
	resetTable(active.root(), 2)
}

func resetTable(tab uint64, level int) {
	for i := uint64(0); i < 512; i++ {
		slot := tab + 8*i
		e := pte(km.ReadWord(slot))
		if !e.valid() {
			continue
		}
		if !e.leaf() {
			resetTable(e.pa(), level-1)
			continue
		}
		if level == 0 && !e.global() {
			mem.FreePage(e.pa())
			km.WriteWord(slot, 0)
		}
	}
}

// DiscardActive resets the active space, frees its private tables,
// switches to the main space and returns the main tag. Discarding the
// main space is a no-op.
func DiscardActive() Tag {
	if active == mainTag {
		return mainTag
	}
	ResetActive()
	freeTables(active.root(), 2)
	active = mainTag
	return mainTag
}

func freeTables(tab uint64, level int) {
	for i := uint64(0); i < 512; i++ {
		e := pte(km.ReadWord(tab + 8*i))
		if e.valid() && !e.leaf() {
			freeTables(e.pa(), level-1)
		}
	}
	mem.FreePage(tab)
}

// HandleUmodePageFault services a user page fault at va by lazily
// allocating and mapping a fresh page with R/W/U permissions. Faults
// outside the user window, or at unaligned addresses, are not handled.
func HandleUmodePageFault(va uint64) error {
	if !wellformed(va) || va%PageSize != 0 || va < UmemStart || va >= UmemEnd {
		return kerror.ErrInvalid
	}
	pa, err := mem.AllocPage()
	if err != nil {
		return err
	}
	zeroPage(pa)
	if err := MapPage(va, pa, FlagR|FlagW|FlagU); err != nil {
		mem.FreePage(pa)
		return err
	}
	return nil
}

// Translate resolves va to a physical address through the active space,
// honoring big-page leaves.
func Translate(va uint64) (uint64, error) {
	slot, level, err := walk(va, false)
	if err != nil {
		return 0, err
	}
	e := pte(km.ReadWord(slot))
	if !e.valid() || !e.leaf() {
		return 0, kerror.ErrInvalid
	}
	var sizeMask uint64 = PageSize - 1
	switch level {
	case 1:
		sizeMask = MegaSize - 1
	case 2:
		sizeMask = GigaSize - 1
	}
	return e.pa() | va&sizeMask, nil
}

// ValidatePtr confirms that the requested flag bits are present in the
// leaf flags of every page in [va, va+length). Missing mappings are
// invalid arguments; insufficient flags are an access failure.
func ValidatePtr(va uint64, length int, fl Flags) error {
	if length < 0 {
		return kerror.ErrInvalid
	}
	if length == 0 {
		return nil
	}
	end := va + uint64(length)
	if end < va {
		return kerror.ErrInvalid
	}
	for p := pageRoundDown(va); p < end; p += PageSize {
		slot, _, err := walk(p, false)
		if err != nil {
			return err
		}
		e := pte(km.ReadWord(slot))
		if !e.valid() || !e.leaf() {
			return kerror.ErrInvalid
		}
		if e.flags()&fl != fl {
			return kerror.ErrNoAccess
		}
	}
	return nil
}

// ValidateStr confirms flag coverage for a NUL-terminated string at va,
// scanning at most ValidateStrMax bytes.
func ValidateStr(va uint64, fl Flags) error {
	_, err := ReadString(va, fl)
	return err
}

// ReadString validates and copies in a NUL-terminated user string of at
// most ValidateStrMax bytes.
func ReadString(va uint64, fl Flags) (string, error) {
	var buf []byte
	for scanned := 0; scanned < ValidateStrMax; {
		if err := ValidatePtr(va, 1, fl); err != nil {
			return "", err
		}
		pa, err := Translate(va)
		if err != nil {
			return "", err
		}
		n := int(PageSize - pa%PageSize)
		if n > ValidateStrMax-scanned {
			n = ValidateStrMax - scanned
		}
		b := km.Bytes(pa, n)
		for i := 0; i < n; i++ {
			if b[i] == 0 {
				return string(append(buf, b[:i]...)), nil
			}
		}
		buf = append(buf, b...)
		scanned += n
		va += uint64(n)
	}
	return "", kerror.ErrInvalid
}

// CopyIn copies len(p) bytes from user address va into p through the
// active space.
func CopyIn(va uint64, p []byte) error {
	return copyUser(va, p, false)
}

// CopyOut copies p to user address va through the active space.
func CopyOut(va uint64, p []byte) error {
	return copyUser(va, p, true)
}

func copyUser(va uint64, p []byte, out bool) error {
	for len(p) > 0 {
		pa, err := Translate(va)
		if err != nil {
			return err
		}
		n := int(PageSize - pa%PageSize)
		if n > len(p) {
			n = len(p)
		}
		if out {
			copy(km.Bytes(pa, n), p[:n])
		} else {
			copy(p[:n], km.Bytes(pa, n))
		}
		p = p[n:]
		va += uint64(n)
	}
	return nil
}

func zeroPage(pa uint64) {
	b := km.Bytes(pa, PageSize)
	for i := range b {
		b[i] = 0
	}
}

func pageRoundUp(a uint64) uint64 {
	return (a + PageSize - 1) &^ uint64(PageSize-1)
}

func pageRoundDown(a uint64) uint64 {
	return a &^ uint64(PageSize-1)
}
