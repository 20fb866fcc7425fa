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
	"bytes"
	"testing"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/mem"
	"ktos.dev/ktos/pkg/sched"
)

func bootSched(t *testing.T) {
	t.Helper()
	m := machine.New(4 << 20)
	mem.Init(m, machine.RAMStart, machine.RAMStart+256*machine.PageSize)
	sched.Init(m)
}

func TestMemIOBounds(t *testing.T) {
	buf := make([]byte, 1024)
	io := NewMemIO(buf)

	big := bytes.Repeat([]byte{0xAB}, 64)
	n, err := io.WriteAt(1000, big)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != 24 {
		t.Errorf("WriteAt clamped to %d, want 24", n)
	}

	p := make([]byte, 64)
	n, err = io.ReadAt(1000, p)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 24 {
		t.Errorf("ReadAt clamped to %d, want 24", n)
	}
	if n, _ := io.ReadAt(2048, p); n != 0 {
		t.Errorf("ReadAt past end = %d, want 0", n)
	}
	if end, _ := GetEnd(io); end != 1024 {
		t.Errorf("GetEnd = %d, want 1024", end)
	}
}

func TestRefCounting(t *testing.T) {
	io := NewMemIO(make([]byte, 16))
	AddRef(io)
	if err := Close(io); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// One reference remains; the object is still usable.
	if _, err := io.ReadAt(0, make([]byte, 4)); err != nil {
		t.Fatalf("ReadAt after partial close: %v", err)
	}
	if err := Close(io); err != nil {
		t.Fatalf("final Close: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("use after final close did not panic")
		}
	}()
	AddRef(io)
}

func TestSeekIOBlockedStream(t *testing.T) {
	backing := make([]byte, 4096)
	for i := range backing {
		backing[i] = byte(i)
	}
	s, err := NewSeekIO(NewMemIO(backing))
	if err != nil {
		t.Fatalf("NewSeekIO: %v", err)
	}

	p := make([]byte, 100)
	n, err := s.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 100 {
		t.Fatalf("Read = %d, want 100", n)
	}
	if !bytes.Equal(p, backing[:100]) {
		t.Error("Read returned wrong bytes")
	}
	if pos, _ := s.Cntl(CntlGetPos, 0); pos != 100 {
		t.Errorf("GetPos = %d, want 100", pos)
	}

	if _, err := s.Cntl(CntlSetPos, 5000); err != kerror.ErrInvalid {
		t.Errorf("SetPos past end = %v, want ErrInvalid", err)
	}
	if _, err := s.Cntl(CntlSetPos, 4000); err != nil {
		t.Fatalf("SetPos: %v", err)
	}
	// Reads clamp at the end position.
	n, err = s.Read(p)
	if err != nil {
		t.Fatalf("Read near end: %v", err)
	}
	if n != 96 {
		t.Errorf("Read near end = %d, want 96", n)
	}
	if n, _ := s.Read(p); n != 0 {
		t.Errorf("Read at end = %d, want 0", n)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	bootSched(t)
	w, r := NewPipe()

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	if _, err := sched.Spawn("writer", func() {
		total := 0
		for total < len(payload) {
			n, err := w.Write(payload[total:])
			if err != nil {
				t.Errorf("pipe write: %v", err)
				break
			}
			total += n
		}
		Close(IO(w))
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var got []byte
	chunk := make([]byte, 1024)
	for {
		n, err := r.Read(chunk)
		if err != nil {
			t.Fatalf("pipe read: %v", err)
		}
		if n == 0 {
			break
		}
		got = append(got, chunk[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("pipe round trip corrupted: got %d bytes, want %d", len(got), len(payload))
	}
	if _, err := sched.Join(0); err != nil {
		t.Fatalf("Join: %v", err)
	}
	Close(IO(r))
}

func TestPipeBrokenWrite(t *testing.T) {
	bootSched(t)
	w, r := NewPipe()
	Close(IO(r))
	if _, err := w.Write([]byte("x")); err != kerror.ErrBrokenPipe {
		t.Errorf("Write with no readers = %v, want ErrBrokenPipe", err)
	}
	Close(IO(w))
}

func TestPipeEOFAfterWriterClose(t *testing.T) {
	bootSched(t)
	w, r := NewPipe()
	if _, err := w.Write([]byte("tail")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	Close(IO(w))

	p := make([]byte, 16)
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(p[:n]) != "tail" {
		t.Errorf("Read = %q, want %q", p[:n], "tail")
	}
	if n, _ := r.Read(p); n != 0 {
		t.Errorf("Read after writer close = %d, want 0", n)
	}
	Close(IO(r))
}

func TestPipeZeroLengthWrite(t *testing.T) {
	bootSched(t)
	w, r := NewPipe()
	if n, err := w.Write(nil); n != 0 || err != nil {
		t.Errorf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
	Close(IO(w))
	Close(IO(r))
}
