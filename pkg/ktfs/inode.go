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
	"encoding/binary"

	"ktos.dev/ktos/pkg/kerror"
)

// inodesPerBlock is derived from the fixed sizes.
const inodesPerBlock = BlockSize / InodeSize

// getInode reads inode ino through the cache.
func (fs *FS) getInode(ino uint16) (inode, error) {
	if uint32(ino) >= fs.sb.InodeBlockCount*inodesPerBlock {
		return inode{}, kerror.ErrInvalid
	}
	blkNum := fs.inodeStart + uint32(ino)/inodesPerBlock
	blk, err := fs.cache.GetBlock(uint64(blkNum) * BlockSize)
	if err != nil {
		return inode{}, err
	}
	off := uint32(ino) % inodesPerBlock * InodeSize
	ind := decodeInode(blk[off:])
	if err := fs.cache.ReleaseBlock(blk, false); err != nil {
		return inode{}, err
	}
	return ind, nil
}

// putInode writes inode ino through the cache.
func (fs *FS) putInode(ino uint16, ind *inode) error {
	if uint32(ino) >= fs.sb.InodeBlockCount*inodesPerBlock {
		return kerror.ErrInvalid
	}
	blkNum := fs.inodeStart + uint32(ino)/inodesPerBlock
	blk, err := fs.cache.GetBlock(uint64(blkNum) * BlockSize)
	if err != nil {
		return err
	}
	off := uint32(ino) % inodesPerBlock * InodeSize
	encodeInode(blk[off:], ind)
	return fs.cache.ReleaseBlock(blk, true)
}

// getDataBlock maps file block index i to its data-region-relative
// block number. Zero denotes an unallocated block (the first data block
// always belongs to the root directory, so zero is never a valid file
// block).
func (fs *FS) getDataBlock(ind *inode, i uint32) (uint32, error) {
	switch {
	case i < NumDirect:
		return ind.Direct[i], nil

	case i < NumDirect+IndirectPerBlock:
		if ind.Indirect == 0 {
			return 0, nil
		}
		return fs.readIndexEntry(ind.Indirect, i-NumDirect)

	case i < NumDirect+IndirectPerBlock+2*IndirectPerBlock*IndirectPerBlock:
		idx := i - NumDirect - IndirectPerBlock
		d := idx / (IndirectPerBlock * IndirectPerBlock)
		idx %= IndirectPerBlock * IndirectPerBlock
		if ind.Dindirect[d] == 0 {
			return 0, nil
		}
		second, err := fs.readIndexEntry(ind.Dindirect[d], idx/IndirectPerBlock)
		if err != nil || second == 0 {
			return second, err
		}
		return fs.readIndexEntry(second, idx%IndirectPerBlock)
	}
	return 0, kerror.ErrInvalid
}

// setDataBlock installs rel as file block i of ind, allocating and
// zero-filling intermediate index blocks on demand. The inode is
// modified in memory only; the caller persists it.
func (fs *FS) setDataBlock(ind *inode, i uint32, rel uint32) error {
	switch {
	case i < NumDirect:
		ind.Direct[i] = rel
		return nil

	case i < NumDirect+IndirectPerBlock:
		if ind.Indirect == 0 {
			idx, err := fs.allocIndexBlock()
			if err != nil {
				return err
			}
			ind.Indirect = idx
		}
		return fs.writeIndexEntry(ind.Indirect, i-NumDirect, rel)

	case i < NumDirect+IndirectPerBlock+2*IndirectPerBlock*IndirectPerBlock:
		idx := i - NumDirect - IndirectPerBlock
		d := idx / (IndirectPerBlock * IndirectPerBlock)
		idx %= IndirectPerBlock * IndirectPerBlock
		if ind.Dindirect[d] == 0 {
			top, err := fs.allocIndexBlock()
			if err != nil {
				return err
			}
			ind.Dindirect[d] = top
		}
		second, err := fs.readIndexEntry(ind.Dindirect[d], idx/IndirectPerBlock)
		if err != nil {
			return err
		}
		if second == 0 {
			second, err = fs.allocIndexBlock()
			if err != nil {
				return err
			}
			if err := fs.writeIndexEntry(ind.Dindirect[d], idx/IndirectPerBlock, second); err != nil {
				return err
			}
		}
		return fs.writeIndexEntry(second, idx%IndirectPerBlock, rel)
	}
	return kerror.ErrInvalid
}

// allocIndexBlock allocates and zeroes a data-region block for use as
// an index block.
func (fs *FS) allocIndexBlock() (uint32, error) {
	rel, err := fs.findFreeDataBlock()
	if err != nil {
		return 0, err
	}
	if err := fs.zeroDataBlock(rel); err != nil {
		return 0, err
	}
	return rel, nil
}

func (fs *FS) readIndexEntry(rel uint32, slot uint32) (uint32, error) {
	blk, err := fs.cache.GetBlock(fs.absPos(rel))
	if err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(blk[4*slot:])
	if err := fs.cache.ReleaseBlock(blk, false); err != nil {
		return 0, err
	}
	return v, nil
}

func (fs *FS) writeIndexEntry(rel uint32, slot uint32, v uint32) error {
	blk, err := fs.cache.GetBlock(fs.absPos(rel))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(blk[4*slot:], v)
	return fs.cache.ReleaseBlock(blk, true)
}

// extend grows the file behind ino to newSize, allocating and zeroing
// every newly needed data block. Shrinking is not supported.
func (fs *FS) extend(ino uint16, ind *inode, newSize uint32) error {
	if newSize < ind.Size || newSize > MaxFileSize {
		return kerror.ErrInvalid
	}
	oldBlocks := (ind.Size + BlockSize - 1) / BlockSize
	newBlocks := (newSize + BlockSize - 1) / BlockSize
	for i := oldBlocks; i < newBlocks; i++ {
		rel, err := fs.findFreeDataBlock()
		if err != nil {
			return err
		}
		if err := fs.zeroDataBlock(rel); err != nil {
			return err
		}
		if err := fs.setDataBlock(ind, i, rel); err != nil {
			return err
		}
	}
	ind.Size = newSize
	return fs.putInode(ino, ind)
}

// freeInodeBlocks clears the bitmap bits for every data block the inode
// references: direct blocks, the indirect tree, and both
// double-indirect trees including their index blocks.
func (fs *FS) freeInodeBlocks(ind *inode) error {
	nblocks := (ind.Size + BlockSize - 1) / BlockSize
	for i := uint32(0); i < nblocks && i < NumDirect; i++ {
		if ind.Direct[i] != 0 {
			if err := fs.clearDataBlockBit(ind.Direct[i]); err != nil {
				return err
			}
		}
	}
	if ind.Indirect != 0 {
		if err := fs.freeIndexTree(ind.Indirect, 1); err != nil {
			return err
		}
	}
	for d := 0; d < 2; d++ {
		if ind.Dindirect[d] != 0 {
			if err := fs.freeIndexTree(ind.Dindirect[d], 2); err != nil {
				return err
			}
		}
	}
	return nil
}

// freeIndexTree frees the blocks referenced by an index block of the
// given depth, then the index block itself.
func (fs *FS) freeIndexTree(rel uint32, depth int) error {
	blk, err := fs.cache.GetBlock(fs.absPos(rel))
	if err != nil {
		return err
	}
	var entries [IndirectPerBlock]uint32
	for s := 0; s < IndirectPerBlock; s++ {
		entries[s] = binary.LittleEndian.Uint32(blk[4*s:])
	}
	if err := fs.cache.ReleaseBlock(blk, false); err != nil {
		return err
	}
	for _, e := range entries {
		if e == 0 {
			continue
		}
		if depth > 1 {
			if err := fs.freeIndexTree(e, depth-1); err != nil {
				return err
			}
		} else if err := fs.clearDataBlockBit(e); err != nil {
			return err
		}
	}
	return fs.clearDataBlockBit(rel)
}
