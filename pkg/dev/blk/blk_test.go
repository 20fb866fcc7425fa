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

package blk

import (
	"bytes"
	"testing"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

func TestNewRejectsPartialBlocks(t *testing.T) {
	if _, err := New(make([]byte, 3*BlockSize+1)); err != kerror.ErrInvalid {
		t.Fatalf("New(partial block) = %v, want ErrInvalid", err)
	}
	if _, err := New(make([]byte, 3*BlockSize)); err != nil {
		t.Fatalf("New(whole blocks): %v", err)
	}
}

func TestWholeBlockRoundTrip(t *testing.T) {
	d, err := New(make([]byte, 8*BlockSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	payload := bytes.Repeat([]byte{0x5C}, 2*BlockSize)
	n, err := d.WriteAt(3*BlockSize, payload)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(payload) {
		t.Errorf("WriteAt = %d, want %d", n, len(payload))
	}

	got := make([]byte, 2*BlockSize)
	n, err = d.ReadAt(3*BlockSize, got)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(got) || !bytes.Equal(got, payload) {
		t.Error("round trip corrupted block content")
	}
	// The image bytes are the device bytes.
	if d.Image()[3*BlockSize] != 0x5C {
		t.Error("write did not land in the backing image")
	}
}

func TestUnalignedAccessRejected(t *testing.T) {
	d, err := New(make([]byte, 8*BlockSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		name string
		pos  uint64
		n    int
	}{
		{"unaligned pos", 100, BlockSize},
		{"partial length", 0, BlockSize - 1},
		{"past end", 8 * BlockSize, BlockSize},
		{"crossing end", 7 * BlockSize, 2 * BlockSize},
	}
	for _, tc := range cases {
		buf := make([]byte, tc.n)
		if _, err := d.ReadAt(tc.pos, buf); err != kerror.ErrInvalid {
			t.Errorf("%s: ReadAt = %v, want ErrInvalid", tc.name, err)
		}
		if _, err := d.WriteAt(tc.pos, buf); err != kerror.ErrInvalid {
			t.Errorf("%s: WriteAt = %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestCntlGeometry(t *testing.T) {
	d, err := New(make([]byte, 16*BlockSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if bs := kio.GetBlksz(d); bs != BlockSize {
		t.Errorf("GetBlksz = %d, want %d", bs, BlockSize)
	}
	end, err := kio.GetEnd(d)
	if err != nil {
		t.Fatalf("GetEnd: %v", err)
	}
	if end != 16*BlockSize {
		t.Errorf("GetEnd = %d, want %d", end, 16*BlockSize)
	}
	if _, err := d.Cntl(kio.CntlSetEnd, 0); err != kerror.ErrNotSupported {
		t.Errorf("SetEnd = %v, want ErrNotSupported", err)
	}
}

func TestRegistryOpen(t *testing.T) {
	dev.Reset()
	d, err := New(make([]byte, 4*BlockSize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	instno, err := d.Register("blk")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	io, err := dev.Open("blk", instno)
	if err != nil {
		t.Fatalf("dev.Open: %v", err)
	}
	if _, err := io.WriteAt(0, make([]byte, BlockSize)); err != nil {
		t.Errorf("WriteAt through registry: %v", err)
	}
	kio.Close(io)
}
