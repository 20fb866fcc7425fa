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

package uart

import (
	"bytes"
	"testing"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/mem"
	"ktos.dev/ktos/pkg/sched"
)

func bootSched(t *testing.T) *machine.Machine {
	t.Helper()
	m := machine.New(4 << 20)
	mem.Init(m, machine.RAMStart, machine.RAMStart+256*machine.PageSize)
	sched.Init(m)
	dev.Reset()
	return m
}

func TestWritePassesThrough(t *testing.T) {
	m := bootSched(t)
	var out bytes.Buffer
	u, err := New(m, "ser", &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := u.Write([]byte("hello, machine\r\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 16 {
		t.Errorf("Write = %d, want 16", n)
	}
	if out.String() != "hello, machine\r\n" {
		t.Errorf("host side saw %q", out.String())
	}
}

func TestReadBlocksUntilInput(t *testing.T) {
	m := bootSched(t)
	var out bytes.Buffer
	u, err := New(m, "ser", &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []byte
	tid, err := sched.Spawn("reader", func() {
		buf := make([]byte, 16)
		n, err := u.Read(buf)
		if err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		got = append(got, buf[:n]...)
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Let the reader block on the empty ring, then inject input from
	// the host side.
	sched.Yield()
	u.Inject([]byte("abc"))

	if _, err := sched.Join(tid); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("reader got %q, want %q", got, "abc")
	}
}

func TestOpenThroughRegistry(t *testing.T) {
	m := bootSched(t)
	var out bytes.Buffer
	if _, err := New(m, "ser", &out); err != nil {
		t.Fatalf("New: %v", err)
	}
	io, err := dev.Open("ser", 0)
	if err != nil {
		t.Fatalf("dev.Open: %v", err)
	}
	if _, err := io.Write([]byte("x")); err != nil {
		t.Errorf("Write through registry: %v", err)
	}
	kio.Close(io)

	if _, err := dev.Open("ser", 1); err == nil {
		t.Error("Open of absent instance succeeded")
	}
}
