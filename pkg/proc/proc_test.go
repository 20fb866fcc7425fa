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

package proc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/dev/uart"
	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/ktfs"
	"ktos.dev/ktos/pkg/sched"
	"ktos.dev/ktos/pkg/vm"
)

func bootKernel(t *testing.T) *machine.Machine {
	t.Helper()
	m := machine.New(16 << 20)
	vm.Init(m)
	sched.Init(m)
	Init(m)
	dev.Reset()
	SetRootFS(nil)
	SetConsole(nil)
	SetUserModeRunner(nil)
	return m
}

func bootWithFS(t *testing.T) (*machine.Machine, *ktfs.FS) {
	m := bootKernel(t)
	img, err := ktfs.BuildImage(2048, 256)
	if err != nil {
		t.Fatalf("BuildImage: %v", err)
	}
	fs, err := ktfs.Mount(kio.NewMemIO(img))
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	SetRootFS(fs)
	return m, fs
}

// userPage maps one user page and returns its address.
func userPage(t *testing.T, va uint64) uint64 {
	t.Helper()
	if err := vm.AllocAndMapRange(va, machine.PageSize, vm.FlagR|vm.FlagW|vm.FlagU); err != nil {
		t.Fatalf("AllocAndMapRange(%#x): %v", va, err)
	}
	return va
}

func putString(t *testing.T, va uint64, s string) {
	t.Helper()
	if err := vm.CopyOut(va, append([]byte(s), 0)); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
}

func call(tf *machine.TrapFrame) int64 {
	Syscall(tf)
	return int64(tf.A[0])
}

func TestSyscallAdvancesSepc(t *testing.T) {
	bootKernel(t)
	tf := &machine.TrapFrame{Sepc: 0x1000}
	tf.A[7] = 99
	if ret := call(tf); ret != int64(kerror.CodeNotSupported) {
		t.Errorf("unknown syscall = %d, want %d", ret, kerror.CodeNotSupported)
	}
	if tf.Sepc != 0x1004 {
		t.Errorf("sepc = %#x, want %#x", tf.Sepc, 0x1004)
	}
}

func TestFsSyscalls(t *testing.T) {
	bootWithFS(t)
	va := userPage(t, vm.UmemStart)
	putString(t, va, "notes")

	tf := &machine.TrapFrame{}
	tf.A[7] = SysFsCreate
	tf.A[0] = va
	if ret := call(tf); ret != 0 {
		t.Fatalf("FSCREATE = %d", ret)
	}
	// Creating the same name again is busy.
	tf = &machine.TrapFrame{}
	tf.A[7] = SysFsCreate
	tf.A[0] = va
	if ret := call(tf); ret != int64(kerror.CodeBusy) {
		t.Errorf("FSCREATE existing = %d, want %d", ret, kerror.CodeBusy)
	}

	// Open it at the lowest free descriptor.
	tf = &machine.TrapFrame{}
	tf.A[7] = SysFsOpen
	tf.A[0] = ^uint64(0) // -1
	tf.A[1] = va
	fd := call(tf)
	if fd != 0 {
		t.Fatalf("FSOPEN = %d, want fd 0", fd)
	}

	// Grow, write and read back through descriptors.
	argAddr := va + 256
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], 64)
	if err := vm.CopyOut(argAddr, n[:]); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	tf = &machine.TrapFrame{}
	tf.A[7] = SysIoctl
	tf.A[0] = uint64(fd)
	tf.A[1] = uint64(kio.CntlSetEnd)
	tf.A[2] = argAddr
	if ret := call(tf); ret != 0 {
		t.Fatalf("IOCTL SETEND = %d", ret)
	}

	bufAddr := va + 512
	putString(t, bufAddr, "hello fs")
	tf = &machine.TrapFrame{}
	tf.A[7] = SysWrite
	tf.A[0] = uint64(fd)
	tf.A[1] = bufAddr
	tf.A[2] = 8
	if ret := call(tf); ret != 8 {
		t.Fatalf("WRITE = %d, want 8", ret)
	}

	// Rewind and read.
	binary.LittleEndian.PutUint64(n[:], 0)
	vm.CopyOut(argAddr, n[:])
	tf = &machine.TrapFrame{}
	tf.A[7] = SysIoctl
	tf.A[0] = uint64(fd)
	tf.A[1] = uint64(kio.CntlSetPos)
	tf.A[2] = argAddr
	if ret := call(tf); ret != 0 {
		t.Fatalf("IOCTL SETPOS = %d", ret)
	}
	readAddr := va + 1024
	tf = &machine.TrapFrame{}
	tf.A[7] = SysRead
	tf.A[0] = uint64(fd)
	tf.A[1] = readAddr
	tf.A[2] = 8
	if ret := call(tf); ret != 8 {
		t.Fatalf("READ = %d, want 8", ret)
	}
	got := make([]byte, 8)
	vm.CopyIn(readAddr, got)
	if string(got) != "hello fs" {
		t.Errorf("read back %q", got)
	}

	// Close, then the descriptor is dead.
	tf = &machine.TrapFrame{}
	tf.A[7] = SysClose
	tf.A[0] = uint64(fd)
	if ret := call(tf); ret != 0 {
		t.Fatalf("CLOSE = %d", ret)
	}
	tf = &machine.TrapFrame{}
	tf.A[7] = SysRead
	tf.A[0] = uint64(fd)
	tf.A[1] = readAddr
	tf.A[2] = 1
	if ret := call(tf); ret != int64(kerror.CodeBadFd) {
		t.Errorf("READ after close = %d, want %d", ret, kerror.CodeBadFd)
	}

	// Delete, then the name is gone.
	tf = &machine.TrapFrame{}
	tf.A[7] = SysFsDelete
	tf.A[0] = va
	if ret := call(tf); ret != 0 {
		t.Fatalf("FSDELETE = %d", ret)
	}
	tf = &machine.TrapFrame{}
	tf.A[7] = SysFsDelete
	tf.A[0] = va
	if ret := call(tf); ret != int64(kerror.CodeNotFound) {
		t.Errorf("FSDELETE absent = %d, want %d", ret, kerror.CodeNotFound)
	}
}

func TestPipeAndDupSyscalls(t *testing.T) {
	bootKernel(t)
	va := userPage(t, vm.UmemStart)

	// pipe(&wfd, &rfd) with both requests -1.
	wAddr, rAddr := va, va+4
	neg := make([]byte, 4)
	binary.LittleEndian.PutUint32(neg, 0xFFFFFFFF)
	vm.CopyOut(wAddr, neg)
	vm.CopyOut(rAddr, neg)

	tf := &machine.TrapFrame{}
	tf.A[7] = SysPipe
	tf.A[0] = wAddr
	tf.A[1] = rAddr
	if ret := call(tf); ret != 0 {
		t.Fatalf("PIPE = %d", ret)
	}
	var b [4]byte
	vm.CopyIn(wAddr, b[:])
	wfd := int(int32(binary.LittleEndian.Uint32(b[:])))
	vm.CopyIn(rAddr, b[:])
	rfd := int(int32(binary.LittleEndian.Uint32(b[:])))
	if wfd == rfd || wfd < 0 || rfd < 0 {
		t.Fatalf("pipe fds = %d, %d", wfd, rfd)
	}

	// Write into the pipe, read from the dup of the read end.
	bufAddr := va + 64
	putString(t, bufAddr, "through the pipe")
	tf = &machine.TrapFrame{}
	tf.A[7] = SysWrite
	tf.A[0] = uint64(wfd)
	tf.A[1] = bufAddr
	tf.A[2] = 16
	if ret := call(tf); ret != 16 {
		t.Fatalf("WRITE = %d", ret)
	}

	tf = &machine.TrapFrame{}
	tf.A[7] = SysIoDup
	tf.A[0] = uint64(rfd)
	tf.A[1] = ^uint64(0)
	dupfd := call(tf)
	if dupfd < 0 || int(dupfd) == rfd {
		t.Fatalf("IODUP = %d", dupfd)
	}

	// Close the original read end; the dup still drains the pipe.
	tf = &machine.TrapFrame{}
	tf.A[7] = SysClose
	tf.A[0] = uint64(rfd)
	if ret := call(tf); ret != 0 {
		t.Fatalf("CLOSE = %d", ret)
	}

	readAddr := va + 256
	tf = &machine.TrapFrame{}
	tf.A[7] = SysRead
	tf.A[0] = uint64(dupfd)
	tf.A[1] = readAddr
	tf.A[2] = 16
	if ret := call(tf); ret != 16 {
		t.Fatalf("READ = %d", ret)
	}
	got := make([]byte, 16)
	vm.CopyIn(readAddr, got)
	if string(got) != "through the pipe" {
		t.Errorf("pipe read %q", got)
	}
}

func TestDevOpenSyscall(t *testing.T) {
	m := bootKernel(t)
	var out bytes.Buffer
	if _, err := uart.New(m, "ser", &out); err != nil {
		t.Fatalf("uart.New: %v", err)
	}
	va := userPage(t, vm.UmemStart)
	putString(t, va, "ser")

	tf := &machine.TrapFrame{}
	tf.A[7] = SysDevOpen
	tf.A[0] = ^uint64(0)
	tf.A[1] = va
	tf.A[2] = 0
	fd := call(tf)
	if fd < 0 {
		t.Fatalf("DEVOPEN = %d", fd)
	}

	msgAddr := va + 64
	putString(t, msgAddr, "to the console")
	tf = &machine.TrapFrame{}
	tf.A[7] = SysWrite
	tf.A[0] = uint64(fd)
	tf.A[1] = msgAddr
	tf.A[2] = 14
	if ret := call(tf); ret != 14 {
		t.Fatalf("WRITE = %d", ret)
	}
	if out.String() != "to the console" {
		t.Errorf("console saw %q", out.String())
	}
}

func TestForkChildSharesConsole(t *testing.T) {
	m := bootKernel(t)
	var out bytes.Buffer
	if _, err := uart.New(m, "ser", &out); err != nil {
		t.Fatalf("uart.New: %v", err)
	}
	ser, err := dev.Open("ser", 0)
	if err != nil {
		t.Fatalf("dev.Open: %v", err)
	}
	p0 := CurrentProcess()
	p0.iotab[0] = ser

	va := userPage(t, vm.UmemStart)
	putString(t, va, "child")
	putString(t, va+32, "parent")

	// The runner is only entered by the forked child: it writes
	// through its inherited descriptor and exits.
	SetUserModeRunner(func(tf *machine.TrapFrame) {
		if tf.A[0] != 0 {
			t.Errorf("child a0 = %d, want 0", tf.A[0])
		}
		wtf := &machine.TrapFrame{}
		wtf.A[7] = SysWrite
		wtf.A[0] = 0
		wtf.A[1] = vm.UmemStart
		wtf.A[2] = 5
		Syscall(wtf)
		etf := &machine.TrapFrame{}
		etf.A[7] = SysExit
		Syscall(etf)
	})

	tf := &machine.TrapFrame{Sepc: 0x1000}
	tf.A[7] = SysFork
	ctid := call(tf)
	if ctid <= 0 {
		t.Fatalf("FORK = %d", ctid)
	}

	// Parent writes after the fork returns.
	wtf := &machine.TrapFrame{}
	wtf.A[7] = SysWrite
	wtf.A[0] = 0
	wtf.A[1] = va + 32
	wtf.A[2] = 6
	if ret := call(wtf); ret != 6 {
		t.Fatalf("parent WRITE = %d", ret)
	}

	// Child exit is reported through WAIT.
	jtf := &machine.TrapFrame{}
	jtf.A[7] = SysWait
	jtf.A[0] = uint64(ctid)
	if got := call(jtf); got != ctid {
		t.Errorf("WAIT = %d, want %d", got, ctid)
	}

	if out.String() != "childparent" {
		t.Errorf("console saw %q, want %q", out.String(), "childparent")
	}
}

func TestExecBuildsProcessImage(t *testing.T) {
	_, fs := bootWithFS(t)

	code := []byte{0x13, 0x00, 0x00, 0x00, 0x73, 0x00, 0x00, 0x00} // nop; ecall
	elf := makeELF(code, 0xC000_0000)
	if err := fs.Create("init"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f, err := fs.Open("init")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := kio.SetEnd(f, uint64(len(elf))); err != nil {
		t.Fatalf("SetEnd: %v", err)
	}
	if err := kio.WriteAtFull(f, 0, elf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	kio.Close(f)

	entered := false
	SetUserModeRunner(func(tf *machine.TrapFrame) {
		entered = true
		if tf.Sepc != 0xC000_0000 {
			t.Errorf("entry = %#x, want 0xC0000000", tf.Sepc)
		}
		if tf.A[0] != 2 {
			t.Errorf("argc = %d, want 2", tf.A[0])
		}
		// The code bytes are in place and executable.
		got := make([]byte, len(code))
		if err := vm.CopyIn(0xC000_0000, got); err != nil {
			t.Errorf("CopyIn(code): %v", err)
		} else if !bytes.Equal(got, code) {
			t.Error("segment content mismatch")
		}
		if err := vm.ValidatePtr(0xC000_0000, len(code), vm.FlagR|vm.FlagX|vm.FlagU); err != nil {
			t.Errorf("code page flags: %v", err)
		}
		// argv strings are on the argument page.
		var vec [16]byte
		if err := vm.CopyIn(tf.A[1], vec[:]); err != nil {
			t.Fatalf("CopyIn(argv): %v", err)
		}
		a0, err := vm.ReadString(binary.LittleEndian.Uint64(vec[0:]), vm.FlagR|vm.FlagU)
		if err != nil || a0 != "init" {
			t.Errorf("argv[0] = %q (%v), want init", a0, err)
		}
		a1, err := vm.ReadString(binary.LittleEndian.Uint64(vec[8:]), vm.FlagR|vm.FlagU)
		if err != nil || a1 != "-v" {
			t.Errorf("argv[1] = %q (%v), want -v", a1, err)
		}
		// Fall through: the runner returning exits the process.
	})

	execIO, err := fs.Open("init")
	if err != nil {
		t.Fatalf("Open(init): %v", err)
	}
	tid, err := Start("init", execIO, []string{"init", "-v"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sched.Join(tid); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !entered {
		t.Error("user-mode runner never entered")
	}
}

func TestBadElfRejected(t *testing.T) {
	bootKernel(t)
	io := kio.NewMemIO([]byte("this is not an executable at all"))
	SetUserModeRunner(func(*machine.TrapFrame) {})
	err := Exec(io, nil)
	if err != kerror.ErrBadFormat {
		t.Errorf("Exec(garbage) = %v, want ErrBadFormat", err)
	}
}

// makeELF builds a minimal 64-bit little-endian RISC-V executable with
// one loadable segment at vaddr.
func makeELF(code []byte, vaddr uint64) []byte {
	img := make([]byte, 64+56+len(code))
	copy(img, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(img[16:], 2)     // ET_EXEC
	binary.LittleEndian.PutUint16(img[18:], 243)   // EM_RISCV
	binary.LittleEndian.PutUint32(img[20:], 1)     // EV_CURRENT
	binary.LittleEndian.PutUint64(img[24:], vaddr) // entry
	binary.LittleEndian.PutUint64(img[32:], 64)    // phoff
	binary.LittleEndian.PutUint16(img[54:], 56)    // phentsize
	binary.LittleEndian.PutUint16(img[56:], 1)     // phnum

	ph := img[64:]
	binary.LittleEndian.PutUint32(ph[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 5) // R|X
	binary.LittleEndian.PutUint64(ph[8:], 120)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(code)))
	copy(img[120:], code)
	return img
}
