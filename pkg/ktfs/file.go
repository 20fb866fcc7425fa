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

package ktfs

import (
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

// file is an open-file-table entry's endpoint. Position state lives in
// the seekable wrapper returned by Open; the file itself is purely
// positional with a one-byte block size.
type file struct {
	kio.Ref
	kio.DefaultIOImpl
	fs   *FS
	slot int

	// name guards against the slot being recycled after a delete
	// closed it out from under this handle.
	name string
}

// Open opens name exclusively and returns a seekable endpoint over it.
// A file that is already open is busy; a full open-file table refuses
// further opens.
func (fs *FS) Open(name string) (kio.IO, error) {
	fs.lock.Acquire()

	d, _, err := fs.lookup(name)
	if err != nil {
		fs.lock.Release()
		return nil, err
	}

	slot := -1
	for i := range fs.open {
		if fs.open[i].inUse {
			if fs.open[i].dent.name() == name {
				fs.lock.Release()
				return nil, kerror.ErrBusy
			}
			continue
		}
		if slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		fs.lock.Release()
		return nil, kerror.ErrTooManyFiles
	}

	ind, err := fs.getInode(d.Ino)
	if err != nil {
		fs.lock.Release()
		return nil, err
	}
	fs.open[slot] = openFile{
		inUse: true,
		dent:  d,
		size:  ind.Size,
		flags: ind.Flags,
	}
	fs.lock.Release()

	f := &file{fs: fs, slot: slot, name: name}
	f.Ref.Init()
	return kio.NewSeekIO(f)
}

// entry returns the open-file entry behind f, which must still be in
// use.
func (f *file) entry() (*openFile, error) {
	of := &f.fs.open[f.slot]
	if !of.inUse || of.dent.name() != f.name {
		return nil, kerror.ErrBadFd
	}
	return of, nil
}

// Close implements kio.IO.Close, releasing the open-file slot.
func (f *file) Close() error {
	f.fs.lock.Acquire()
	defer f.fs.lock.Release()
	if of := &f.fs.open[f.slot]; of.inUse && of.dent.name() == f.name {
		*of = openFile{}
	}
	return nil
}

// Cntl implements kio.IO.Cntl. GETEND reports the file size; SETEND
// grows the file, allocating zeroed blocks.
func (f *file) Cntl(cmd int, arg uint64) (uint64, error) {
	f.fs.lock.Acquire()
	defer f.fs.lock.Release()
	of, err := f.entry()
	if err != nil {
		return 0, err
	}
	switch cmd {
	case kio.CntlGetBlksz:
		return 1, nil
	case kio.CntlGetEnd:
		return uint64(of.size), nil
	case kio.CntlSetEnd:
		if arg > MaxFileSize {
			return 0, kerror.ErrInvalid
		}
		ind, err := f.fs.getInode(of.dent.Ino)
		if err != nil {
			return 0, err
		}
		if err := f.fs.extend(of.dent.Ino, &ind, uint32(arg)); err != nil {
			return 0, err
		}
		of.size = ind.Size
		return 0, nil
	}
	return 0, kerror.ErrNotSupported
}

// ReadAt implements kio.IO.ReadAt. Reads clamp at the file size; an
// unallocated block reads as zeroes.
func (f *file) ReadAt(pos uint64, p []byte) (int, error) {
	f.fs.lock.Acquire()
	defer f.fs.lock.Release()
	of, err := f.entry()
	if err != nil {
		return 0, err
	}
	if pos >= uint64(of.size) {
		return 0, nil
	}
	if rem := uint64(of.size) - pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	ind, err := f.fs.getInode(of.dent.Ino)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		cur := pos + uint64(n)
		off := uint32(cur % BlockSize)
		span := BlockSize - int(off)
		if span > len(p)-n {
			span = len(p) - n
		}
		rel, err := f.fs.getDataBlock(&ind, uint32(cur/BlockSize))
		if err != nil {
			return n, err
		}
		if rel == 0 {
			for i := 0; i < span; i++ {
				p[n+i] = 0
			}
			n += span
			continue
		}
		blk, err := f.fs.cache.GetBlock(f.fs.absPos(rel))
		if err != nil {
			return n, err
		}
		copy(p[n:n+span], blk[off:])
		if err := f.fs.cache.ReleaseBlock(blk, false); err != nil {
			return n, err
		}
		n += span
	}
	return n, nil
}

// WriteAt implements kio.IO.WriteAt. Writes clamp at the file size;
// growing a file takes a SETEND first.
func (f *file) WriteAt(pos uint64, p []byte) (int, error) {
	f.fs.lock.Acquire()
	defer f.fs.lock.Release()
	of, err := f.entry()
	if err != nil {
		return 0, err
	}
	if pos >= uint64(of.size) {
		return 0, nil
	}
	if rem := uint64(of.size) - pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	ind, err := f.fs.getInode(of.dent.Ino)
	if err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		cur := pos + uint64(n)
		off := uint32(cur % BlockSize)
		span := BlockSize - int(off)
		if span > len(p)-n {
			span = len(p) - n
		}
		rel, err := f.fs.getDataBlock(&ind, uint32(cur/BlockSize))
		if err != nil {
			return n, err
		}
		if rel == 0 {
			// Every block inside the file size was allocated by the
			// extend that created it.
			return n, kerror.ErrIO
		}
		blk, err := f.fs.cache.GetBlock(f.fs.absPos(rel))
		if err != nil {
			return n, err
		}
		copy(blk[off:], p[n:n+span])
		if err := f.fs.cache.ReleaseBlock(blk, true); err != nil {
			return n, err
		}
		n += span
	}
	return n, nil
}
