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
)

const dentriesPerBlock = BlockSize / DentrySize

// dentryPos locates directory entry idx: the data-region block of the
// root directory holding it and the byte offset inside that block.
func (fs *FS) dentryPos(root *inode, idx uint32) (uint32, uint32, error) {
	rel, err := fs.getDataBlock(root, idx/dentriesPerBlock)
	if err != nil {
		return 0, 0, err
	}
	// Data block zero belongs to the root directory's first block;
	// anywhere else it marks a hole, which a directory never has.
	if rel == 0 && idx >= dentriesPerBlock {
		return 0, 0, kerror.ErrIO
	}
	return rel, idx % dentriesPerBlock * DentrySize, nil
}

// lookup finds name in the root directory, returning the entry and its
// index.
func (fs *FS) lookup(name string) (dentry, uint32, error) {
	root, err := fs.getInode(fs.sb.RootInode)
	if err != nil {
		return dentry{}, 0, err
	}
	total := root.Size / DentrySize
	for idx := uint32(0); idx < total; idx++ {
		rel, off, err := fs.dentryPos(&root, idx)
		if err != nil {
			return dentry{}, 0, err
		}
		blk, err := fs.cache.GetBlock(fs.absPos(rel))
		if err != nil {
			return dentry{}, 0, err
		}
		d := decodeDentry(blk[off:])
		if err := fs.cache.ReleaseBlock(blk, false); err != nil {
			return dentry{}, 0, err
		}
		if d.name() == name {
			return d, idx, nil
		}
	}
	return dentry{}, 0, kerror.ErrNotFound
}

// findFreeInode scans the inode region for the first free (all-zero)
// inode, skipping the root directory's.
func (fs *FS) findFreeInode() (uint16, error) {
	total := fs.sb.InodeBlockCount * inodesPerBlock
	for ino := uint32(0); ino < total; ino++ {
		if uint16(ino) == fs.sb.RootInode {
			continue
		}
		ind, err := fs.getInode(uint16(ino))
		if err != nil {
			return 0, err
		}
		if ind == (inode{}) {
			return uint16(ino), nil
		}
	}
	return 0, kerror.ErrIO
}

// Create adds an empty file named name to the root directory.
func (fs *FS) Create(name string) error {
	if name == "" || len(name) > MaxFilenameLen {
		return kerror.ErrInvalid
	}
	fs.lock.Acquire()
	defer fs.lock.Release()

	if _, _, err := fs.lookup(name); err == nil {
		return kerror.ErrBusy
	} else if err != kerror.ErrNotFound {
		return err
	}

	root, err := fs.getInode(fs.sb.RootInode)
	if err != nil {
		return err
	}
	idx := root.Size / DentrySize

	// Crossing into a fresh directory block allocates it first. The
	// first block needs no allocation: every image carries data block
	// zero as the root directory's.
	if root.Size%BlockSize == 0 && idx >= dentriesPerBlock {
		rel, err := fs.findFreeDataBlock()
		if err != nil {
			return err
		}
		if err := fs.zeroDataBlock(rel); err != nil {
			return err
		}
		if err := fs.setDataBlock(&root, idx/dentriesPerBlock, rel); err != nil {
			return err
		}
	}

	ino, err := fs.findFreeInode()
	if err != nil {
		return err
	}
	newInode := inode{Flags: inodeFlagUsed}
	if err := fs.putInode(ino, &newInode); err != nil {
		return err
	}

	var d dentry
	d.setName(name)
	d.Ino = ino
	rel, off, err := fs.dentryPos(&root, idx)
	if err != nil {
		return err
	}
	blk, err := fs.cache.GetBlock(fs.absPos(rel))
	if err != nil {
		return err
	}
	encodeDentry(blk[off:], &d)
	if err := fs.cache.ReleaseBlock(blk, true); err != nil {
		return err
	}

	root.Size += DentrySize
	return fs.putInode(fs.sb.RootInode, &root)
}

// Delete removes name from the root directory, closing it if open,
// freeing every data block it references and zeroing its inode. The
// directory stays packed by moving the last entry into the vacated
// slot; a trailing directory block left empty is not reclaimed.
func (fs *FS) Delete(name string) error {
	fs.lock.Acquire()
	defer fs.lock.Release()

	for i := range fs.open {
		if fs.open[i].inUse && fs.open[i].dent.name() == name {
			fs.open[i] = openFile{}
		}
	}

	d, idx, err := fs.lookup(name)
	if err != nil {
		return err
	}

	ind, err := fs.getInode(d.Ino)
	if err != nil {
		return err
	}
	if err := fs.freeInodeBlocks(&ind); err != nil {
		return err
	}
	ind = inode{}
	if err := fs.putInode(d.Ino, &ind); err != nil {
		return err
	}

	root, err := fs.getInode(fs.sb.RootInode)
	if err != nil {
		return err
	}
	last := root.Size/DentrySize - 1

	lastRel, lastOff, err := fs.dentryPos(&root, last)
	if err != nil {
		return err
	}
	foundRel, foundOff, err := fs.dentryPos(&root, idx)
	if err != nil {
		return err
	}

	lastBlk, err := fs.cache.GetBlock(fs.absPos(lastRel))
	if err != nil {
		return err
	}
	lastEnt := decodeDentry(lastBlk[lastOff:])
	zero := dentry{}
	encodeDentry(lastBlk[lastOff:], &zero)

	if foundRel == lastRel {
		// Found and last entries share a block: one pin, one dirty
		// release.
		if idx != last {
			encodeDentry(lastBlk[foundOff:], &lastEnt)
		}
		if err := fs.cache.ReleaseBlock(lastBlk, true); err != nil {
			return err
		}
	} else {
		if err := fs.cache.ReleaseBlock(lastBlk, true); err != nil {
			return err
		}
		foundBlk, err := fs.cache.GetBlock(fs.absPos(foundRel))
		if err != nil {
			return err
		}
		encodeDentry(foundBlk[foundOff:], &lastEnt)
		if err := fs.cache.ReleaseBlock(foundBlk, true); err != nil {
			return err
		}
	}

	root.Size -= DentrySize
	return fs.putInode(fs.sb.RootInode, &root)
}

// Names returns the file names in the root directory, in directory
// order.
func (fs *FS) Names() ([]string, error) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	root, err := fs.getInode(fs.sb.RootInode)
	if err != nil {
		return nil, err
	}
	total := root.Size / DentrySize
	names := make([]string, 0, total)
	for idx := uint32(0); idx < total; idx++ {
		rel, off, err := fs.dentryPos(&root, idx)
		if err != nil {
			return nil, err
		}
		blk, err := fs.cache.GetBlock(fs.absPos(rel))
		if err != nil {
			return nil, err
		}
		d := decodeDentry(blk[off:])
		if err := fs.cache.ReleaseBlock(blk, false); err != nil {
			return nil, err
		}
		names = append(names, d.name())
	}
	return names, nil
}
