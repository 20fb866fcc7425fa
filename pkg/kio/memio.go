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

// MemIO is an endpoint over an in-memory buffer. Positional operations
// clamp to the buffer size; the buffer never grows.
type MemIO struct {
	Ref
	DefaultIOImpl
	buf []byte
}

// NewMemIO returns a MemIO over buf with one reference.
func NewMemIO(buf []byte) *MemIO {
	m := &MemIO{buf: buf}
	m.Ref.Init()
	return m
}

// ReadAt implements IO.ReadAt.
func (m *MemIO) ReadAt(pos uint64, p []byte) (int, error) {
	if pos >= uint64(len(m.buf)) {
		return 0, nil
	}
	return copy(p, m.buf[pos:]), nil
}

// WriteAt implements IO.WriteAt.
func (m *MemIO) WriteAt(pos uint64, p []byte) (int, error) {
	if pos >= uint64(len(m.buf)) {
		return 0, kerror.ErrInvalid
	}
	return copy(m.buf[pos:], p), nil
}

// Cntl implements IO.Cntl.
func (m *MemIO) Cntl(cmd int, arg uint64) (uint64, error) {
	switch cmd {
	case CntlGetBlksz:
		return 1, nil
	case CntlGetEnd:
		return uint64(len(m.buf)), nil
	}
	return 0, kerror.ErrNotSupported
}
