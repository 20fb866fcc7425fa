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

// Package loader loads 64-bit little-endian RISC-V executables into the
// active address space: PT_LOAD segments are placed in the user window
// with write access, file content is copied in, BSS is zeroed by the
// fresh pages, and permissions are then tightened per segment.
package loader

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/vm"
)

const (
	ehdrSize = 64
	phdrSize = 56

	etExec    = 2
	emRISCV   = 243
	evCurrent = 1

	ptLoad = 1

	pfX = 1
	pfW = 2
	pfR = 4
)

type phdr struct {
	ptype  uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

// Load reads the executable behind io into the active address space
// and returns its entry point. Sanity failures report a bad format;
// the caller owns the half-loaded space on error.
func Load(io kio.IO) (uint64, error) {
	// A file too short to hold an ELF header is not an executable.
	if end, err := kio.GetEnd(io); err == nil && end < ehdrSize {
		return 0, kerror.ErrBadFormat
	}
	var eh [ehdrSize]byte
	if err := kio.ReadAtFull(io, 0, eh[:]); err != nil {
		return 0, err
	}
	if eh[0] != 0x7F || eh[1] != 'E' || eh[2] != 'L' || eh[3] != 'F' {
		return 0, kerror.ErrBadFormat
	}
	// 64-bit, little-endian, current version.
	if eh[4] != 2 || eh[5] != 1 || eh[6] != evCurrent {
		return 0, kerror.ErrBadFormat
	}
	if binary.LittleEndian.Uint16(eh[16:]) != etExec {
		return 0, kerror.ErrBadFormat
	}
	if binary.LittleEndian.Uint16(eh[18:]) != emRISCV {
		return 0, kerror.ErrBadFormat
	}
	entry := binary.LittleEndian.Uint64(eh[24:])
	phoff := binary.LittleEndian.Uint64(eh[32:])
	phentsize := binary.LittleEndian.Uint16(eh[54:])
	phnum := binary.LittleEndian.Uint16(eh[56:])
	if phentsize != phdrSize || phnum == 0 {
		return 0, kerror.ErrBadFormat
	}
	if entry < vm.UmemStart || entry >= vm.UmemEnd {
		return 0, kerror.ErrBadFormat
	}

	for i := uint16(0); i < phnum; i++ {
		var pb [phdrSize]byte
		if err := kio.ReadAtFull(io, phoff+uint64(i)*phdrSize, pb[:]); err != nil {
			return 0, err
		}
		ph := phdr{
			ptype:  binary.LittleEndian.Uint32(pb[0:]),
			flags:  binary.LittleEndian.Uint32(pb[4:]),
			offset: binary.LittleEndian.Uint64(pb[8:]),
			vaddr:  binary.LittleEndian.Uint64(pb[16:]),
			filesz: binary.LittleEndian.Uint64(pb[32:]),
			memsz:  binary.LittleEndian.Uint64(pb[40:]),
		}
		if ph.ptype != ptLoad {
			continue
		}
		if err := loadSegment(io, &ph); err != nil {
			return 0, err
		}
	}
	return entry, nil
}

func loadSegment(io kio.IO, ph *phdr) error {
	if ph.vaddr < vm.UmemStart || ph.vaddr+ph.memsz > vm.UmemEnd || ph.filesz > ph.memsz {
		return kerror.ErrBadFormat
	}
	if ph.memsz == 0 {
		return nil
	}
	if err := vm.AllocAndMapRange(ph.vaddr, ph.memsz, vm.FlagR|vm.FlagW|vm.FlagU); err != nil {
		return err
	}
	if ph.filesz > 0 {
		buf := make([]byte, ph.filesz)
		if err := kio.ReadAtFull(io, ph.offset, buf); err != nil {
			return err
		}
		if err := vm.CopyOut(ph.vaddr, buf); err != nil {
			return err
		}
	}
	fl := vm.FlagU
	if ph.flags&pfR != 0 {
		fl |= vm.FlagR
	}
	if ph.flags&pfW != 0 {
		fl |= vm.FlagW
	}
	if ph.flags&pfX != 0 {
		fl |= vm.FlagX
	}
	log.WithFields(log.Fields{
		"vaddr": ph.vaddr,
		"memsz": ph.memsz,
		"flags": ph.flags,
	}).Debug("loader: segment placed")
	return vm.SetRangeFlags(ph.vaddr, ph.memsz, fl)
}
