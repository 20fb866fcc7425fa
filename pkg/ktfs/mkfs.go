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

// BuildImage lays out an empty filesystem across totalBlocks blocks
// with room for inodeCount inodes and returns the image bytes. The
// root directory gets inode zero and data block zero.
func BuildImage(totalBlocks, inodeCount uint32) ([]byte, error) {
	if inodeCount == 0 || inodeCount%inodesPerBlock != 0 {
		return nil, kerror.ErrInvalid
	}
	inodeBlocks := inodeCount / inodesPerBlock

	// Grow the bitmap until it covers the data region it leaves room
	// for.
	bitmapBlocks := uint32(1)
	for {
		used := 1 + bitmapBlocks + inodeBlocks
		if used >= totalBlocks {
			return nil, kerror.ErrInvalid
		}
		if (totalBlocks-used+bitsPerBitmapBlock-1)/bitsPerBitmapBlock <= bitmapBlocks {
			break
		}
		bitmapBlocks++
	}

	img := make([]byte, int(totalBlocks)*BlockSize)
	EncodeSuperblock(img, totalBlocks, bitmapBlocks, inodeBlocks, 0)

	// Data block zero belongs to the root directory.
	img[BlockSize] |= 1

	root := inode{Flags: inodeFlagUsed}
	encodeInode(img[(1+bitmapBlocks)*BlockSize:], &root)
	return img, nil
}
