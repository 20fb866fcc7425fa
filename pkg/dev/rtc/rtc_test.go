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

package rtc

import (
	"encoding/binary"
	"testing"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

func newRTC(t *testing.T, now func() uint64) *RTC {
	t.Helper()
	dev.Reset()
	r, err := New("rtc", now)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestReadReturnsTimestamp(t *testing.T) {
	const stamp = uint64(1_700_000_000_123_456_789)
	r := newRTC(t, func() uint64 { return stamp })

	var b [8]byte
	n, err := r.Read(b[:])
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 {
		t.Errorf("Read = %d, want 8", n)
	}
	if got := binary.LittleEndian.Uint64(b[:]); got != stamp {
		t.Errorf("timestamp = %d, want %d", got, stamp)
	}
}

func TestReadTracksSource(t *testing.T) {
	now := uint64(1000)
	r := newRTC(t, func() uint64 { return now })

	var b [8]byte
	r.Read(b[:])
	first := binary.LittleEndian.Uint64(b[:])
	now += 500
	r.Read(b[:])
	second := binary.LittleEndian.Uint64(b[:])
	if second-first != 500 {
		t.Errorf("source advance = %d, want 500", second-first)
	}
}

func TestShortBufferRejected(t *testing.T) {
	r := newRTC(t, func() uint64 { return 0 })
	if _, err := r.Read(make([]byte, 7)); err != kerror.ErrInvalid {
		t.Errorf("Read(short) = %v, want ErrInvalid", err)
	}
}

func TestOpenThroughRegistry(t *testing.T) {
	newRTC(t, func() uint64 { return 42 })
	io, err := dev.Open("rtc", 0)
	if err != nil {
		t.Fatalf("dev.Open: %v", err)
	}
	var b [8]byte
	if _, err := io.Read(b[:]); err != nil {
		t.Fatalf("Read through registry: %v", err)
	}
	if got := binary.LittleEndian.Uint64(b[:]); got != 42 {
		t.Errorf("timestamp = %d, want 42", got)
	}
	// The clock cannot be set through the device.
	if _, err := io.Write(b[:]); err != kerror.ErrNotSupported {
		t.Errorf("Write = %v, want ErrNotSupported", err)
	}
	kio.Close(io)
}
