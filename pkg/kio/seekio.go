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

package kio

import (
	"ktos.dev/ktos/pkg/kerror"
)

// SeekIO adapts a positional endpoint into a seekable stream: it caches
// the position, end and block size, forwards ReadAt/WriteAt unchanged,
// and services Read/Write at the cached position in whole block
// multiples.
type SeekIO struct {
	Ref
	backing IO
	pos     uint64
	end     uint64
	blksz   uint64
}

// NewSeekIO wraps backing, taking over the caller's reference to it.
func NewSeekIO(backing IO) (*SeekIO, error) {
	end, err := GetEnd(backing)
	if err != nil {
		return nil, err
	}
	s := &SeekIO{
		backing: backing,
		end:     end,
		blksz:   GetBlksz(backing),
	}
	s.Ref.Init()
	return s, nil
}

// Close implements IO.Close.
func (s *SeekIO) Close() error {
	return Close(s.backing)
}

// Cntl implements IO.Cntl.
func (s *SeekIO) Cntl(cmd int, arg uint64) (uint64, error) {
	switch cmd {
	case CntlGetBlksz:
		return s.blksz, nil
	case CntlGetPos:
		return s.pos, nil
	case CntlSetPos:
		if arg > s.end {
			return 0, kerror.ErrInvalid
		}
		s.pos = arg
		return 0, nil
	case CntlGetEnd:
		return s.end, nil
	case CntlSetEnd:
		if _, err := s.backing.Cntl(CntlSetEnd, arg); err != nil {
			return 0, err
		}
		s.end = arg
		return 0, nil
	}
	return 0, kerror.ErrNotSupported
}

// blockTruncate clips n to a whole number of blocks.
func (s *SeekIO) blockTruncate(n uint64) (uint64, error) {
	if s.blksz == 0 {
		return 0, kerror.ErrInvalid
	}
	if s.blksz&(s.blksz-1) == 0 {
		return n &^ (s.blksz - 1), nil
	}
	return n - n%s.blksz, nil
}

// Read implements IO.Read, transferring whole blocks at the cached
// position.
func (s *SeekIO) Read(p []byte) (int, error) {
	n, err := s.blockTruncate(uint64(len(p)))
	if err != nil {
		return 0, err
	}
	if s.pos >= s.end {
		return 0, nil
	}
	if rem := s.end - s.pos; n > rem {
		n, _ = s.blockTruncate(rem)
		if n == 0 {
			n = rem
		}
	}
	cnt, err := s.backing.ReadAt(s.pos, p[:n])
	s.pos += uint64(cnt)
	return cnt, err
}

// Write implements IO.Write, transferring whole blocks at the cached
// position.
func (s *SeekIO) Write(p []byte) (int, error) {
	n, err := s.blockTruncate(uint64(len(p)))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	cnt, err := s.backing.WriteAt(s.pos, p[:n])
	s.pos += uint64(cnt)
	return cnt, err
}

// ReadAt implements IO.ReadAt by direct forwarding.
func (s *SeekIO) ReadAt(pos uint64, p []byte) (int, error) {
	return s.backing.ReadAt(pos, p)
}

// WriteAt implements IO.WriteAt by direct forwarding.
func (s *SeekIO) WriteAt(pos uint64, p []byte) (int, error) {
	return s.backing.WriteAt(pos, p)
}
