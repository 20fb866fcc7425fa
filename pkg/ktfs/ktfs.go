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

// Package ktfs implements the KTFS filesystem: a single flat directory
// of inodes with direct, indirect and double-indirect block pointers, a
// free-space bitmap and a bounded open-file table, laid out on 512-byte
// little-endian blocks as
//
//	[superblock][bitmap x B][inode x N][data ...]
//
// Stored block numbers are data-region-relative. A filesystem-wide lock
// serializes all operations; the block cache below carries its own.
package ktfs

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/cache"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/sched"
)

const (
	// BlockSize is the on-disk block size.
	BlockSize = 512

	// InodeSize is the on-disk inode size; sixteen inodes per block.
	InodeSize = 32

	// DentrySize is the on-disk directory entry size.
	DentrySize = 32

	// MaxFilenameLen is the longest usable file name; names are stored
	// NUL-padded in a field one byte longer.
	MaxFilenameLen = 29

	// NumDirect is the number of direct block slots per inode.
	NumDirect = 3

	// IndirectPerBlock is the number of block numbers in one index
	// block.
	IndirectPerBlock = BlockSize / 4

	// MaxOpenFiles bounds the open-file table.
	MaxOpenFiles = 96

	// MaxFileSize is the largest representable file:
	// (3 + 128 + 2*128*128) blocks of 512 bytes.
	MaxFileSize = (NumDirect + IndirectPerBlock + 2*IndirectPerBlock*IndirectPerBlock) * BlockSize

	bitsPerBitmapBlock = BlockSize * 8

	// inodeFlagUsed marks an allocated inode; a free inode is all
	// zeroes.
	inodeFlagUsed = 1
)

type superblock struct {
	BlockCount       uint32
	BitmapBlockCount uint32
	InodeBlockCount  uint32
	RootInode        uint16
}

type inode struct {
	Size      uint32
	Flags     uint32
	Direct    [NumDirect]uint32
	Indirect  uint32
	Dindirect [2]uint32
}

type dentry struct {
	Name [MaxFilenameLen + 1]byte
	Ino  uint16
}

func (d *dentry) name() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}

func (d *dentry) setName(s string) {
	d.Name = [MaxFilenameLen + 1]byte{}
	copy(d.Name[:MaxFilenameLen], s)
}

type openFile struct {
	inUse bool
	dent  dentry
	size  uint32
	flags uint32
}

// FS is a mounted KTFS instance.
type FS struct {
	cache *cache.Cache
	sb    superblock

	bitmapStart uint32
	inodeStart  uint32
	dataStart   uint32

	lock sched.Lock
	open [MaxOpenFiles]openFile
}

// Mount builds a cache over io, reads the superblock and returns the
// mounted filesystem. Mount takes over the caller's reference to io.
func Mount(io kio.IO) (*FS, error) {
	c, err := cache.New(io)
	if err != nil {
		return nil, err
	}
	fs := &FS{cache: c}
	fs.lock.Init("ktfs.lock")

	blk, err := c.GetBlock(0)
	if err != nil {
		return nil, err
	}
	fs.sb = decodeSuperblock(blk)
	if err := c.ReleaseBlock(blk, false); err != nil {
		return nil, err
	}

	fs.bitmapStart = 1
	fs.inodeStart = 1 + fs.sb.BitmapBlockCount
	fs.dataStart = fs.inodeStart + fs.sb.InodeBlockCount
	if fs.sb.BlockCount < fs.dataStart || fs.sb.BitmapBlockCount == 0 || fs.sb.InodeBlockCount == 0 {
		return nil, kerror.ErrInvalid
	}
	log.WithFields(log.Fields{
		"blocks": fs.sb.BlockCount,
		"bitmap": fs.sb.BitmapBlockCount,
		"inodes": fs.sb.InodeBlockCount * (BlockSize / InodeSize),
	}).Info("ktfs: mounted")
	return fs, nil
}

// Flush writes all cached dirty state to the backing device.
func (fs *FS) Flush() error {
	fs.lock.Acquire()
	defer fs.lock.Release()
	return fs.cache.Flush()
}

// Unmount flushes the filesystem and drops the backing endpoint.
func (fs *FS) Unmount() error {
	if err := fs.Flush(); err != nil {
		return err
	}
	return kio.Close(fs.cache.Backing())
}

// dataBlockCount returns the number of blocks in the data region.
func (fs *FS) dataBlockCount() uint32 {
	return fs.sb.BlockCount - fs.dataStart
}

// absPos converts a data-region-relative block number to a byte
// position on the device.
func (fs *FS) absPos(rel uint32) uint64 {
	return uint64(fs.dataStart+rel) * BlockSize
}

// findFreeDataBlock scans the bitmap for a clear bit, sets it and
// returns the data-region-relative block number.
func (fs *FS) findFreeDataBlock() (uint32, error) {
	limit := fs.dataBlockCount()
	for b := uint32(0); b < fs.sb.BitmapBlockCount; b++ {
		blk, err := fs.cache.GetBlock(uint64(fs.bitmapStart+b) * BlockSize)
		if err != nil {
			return 0, err
		}
		for i := 0; i < BlockSize; i++ {
			if blk[i] == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if blk[i]&(1<<bit) != 0 {
					continue
				}
				rel := b*bitsPerBitmapBlock + uint32(i)*8 + uint32(bit)
				if rel >= limit {
					fs.cache.ReleaseBlock(blk, false)
					return 0, kerror.ErrIO
				}
				blk[i] |= 1 << bit
				if err := fs.cache.ReleaseBlock(blk, true); err != nil {
					return 0, err
				}
				return rel, nil
			}
		}
		if err := fs.cache.ReleaseBlock(blk, false); err != nil {
			return 0, err
		}
	}
	return 0, kerror.ErrIO
}

// clearDataBlockBit marks a data-region-relative block free.
func (fs *FS) clearDataBlockBit(rel uint32) error {
	b := rel / bitsPerBitmapBlock
	blk, err := fs.cache.GetBlock(uint64(fs.bitmapStart+b) * BlockSize)
	if err != nil {
		return err
	}
	off := rel % bitsPerBitmapBlock
	blk[off/8] &^= 1 << (off % 8)
	return fs.cache.ReleaseBlock(blk, true)
}

// zeroDataBlock clears the content of a data-region block.
func (fs *FS) zeroDataBlock(rel uint32) error {
	blk, err := fs.cache.GetBlock(fs.absPos(rel))
	if err != nil {
		return err
	}
	for i := range blk {
		blk[i] = 0
	}
	return fs.cache.ReleaseBlock(blk, true)
}

func decodeSuperblock(b []byte) superblock {
	return superblock{
		BlockCount:       binary.LittleEndian.Uint32(b[0:]),
		BitmapBlockCount: binary.LittleEndian.Uint32(b[4:]),
		InodeBlockCount:  binary.LittleEndian.Uint32(b[8:]),
		RootInode:        binary.LittleEndian.Uint16(b[12:]),
	}
}

// EncodeSuperblock serializes a superblock into the first block of an
// image. It is exported for the filesystem build tool.
func EncodeSuperblock(b []byte, blockCount, bitmapBlocks, inodeBlocks uint32, rootInode uint16) {
	binary.LittleEndian.PutUint32(b[0:], blockCount)
	binary.LittleEndian.PutUint32(b[4:], bitmapBlocks)
	binary.LittleEndian.PutUint32(b[8:], inodeBlocks)
	binary.LittleEndian.PutUint16(b[12:], rootInode)
}

func decodeInode(b []byte) inode {
	var ind inode
	ind.Size = binary.LittleEndian.Uint32(b[0:])
	ind.Flags = binary.LittleEndian.Uint32(b[4:])
	for i := 0; i < NumDirect; i++ {
		ind.Direct[i] = binary.LittleEndian.Uint32(b[8+4*i:])
	}
	ind.Indirect = binary.LittleEndian.Uint32(b[20:])
	ind.Dindirect[0] = binary.LittleEndian.Uint32(b[24:])
	ind.Dindirect[1] = binary.LittleEndian.Uint32(b[28:])
	return ind
}

func encodeInode(b []byte, ind *inode) {
	binary.LittleEndian.PutUint32(b[0:], ind.Size)
	binary.LittleEndian.PutUint32(b[4:], ind.Flags)
	for i := 0; i < NumDirect; i++ {
		binary.LittleEndian.PutUint32(b[8+4*i:], ind.Direct[i])
	}
	binary.LittleEndian.PutUint32(b[20:], ind.Indirect)
	binary.LittleEndian.PutUint32(b[24:], ind.Dindirect[0])
	binary.LittleEndian.PutUint32(b[28:], ind.Dindirect[1])
}

func decodeDentry(b []byte) dentry {
	var d dentry
	copy(d.Name[:], b[:MaxFilenameLen+1])
	d.Ino = binary.LittleEndian.Uint16(b[MaxFilenameLen+1:])
	return d
}

func encodeDentry(b []byte, d *dentry) {
	copy(b[:MaxFilenameLen+1], d.Name[:])
	binary.LittleEndian.PutUint16(b[MaxFilenameLen+1:], d.Ino)
}
