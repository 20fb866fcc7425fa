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

// Package proc implements processes and the system-call surface: the
// bounded process table, per-process descriptor tables, exec, fork and
// exit, and register-based syscall dispatch over a trap frame.
//
// User-mode execution itself is the machine's business; the kernel
// hands a prepared trap frame to the installed user-mode runner and
// regains control at traps.
package proc

import (
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/ktfs"
	"ktos.dev/ktos/pkg/loader"
	"ktos.dev/ktos/pkg/mem"
	"ktos.dev/ktos/pkg/sched"
	"ktos.dev/ktos/pkg/vm"
)

const (
	// NPROC bounds the process table.
	NPROC = 16

	// IOMax is the size of a process's descriptor table.
	IOMax = 16
)

// Process is one user process.
type Process struct {
	idx   int
	tid   int
	mtag  vm.Tag
	iotab [IOMax]kio.IO
}

// ID returns the process's thread id, which names it in waits.
func (p *Process) ID() int { return p.tid }

var (
	m       *machine.Machine
	proctab [NPROC]*Process
	rootFS  *ktfs.FS
	console kio.IO

	// userRun enters user mode with the given trap frame. It is the
	// trap-return trampoline of the machine; it comes back only
	// through the kernel's trap handlers.
	userRun func(tf *machine.TrapFrame)
)

// Init resets the process table and adopts the calling thread as
// process zero in the active address space.
func Init(mach *machine.Machine) {
	m = mach
	proctab = [NPROC]*Process{}
	p := &Process{idx: 0, tid: sched.Current().ID(), mtag: vm.ActiveTag()}
	proctab[0] = p
	sched.Current().SetProcess(p)
	sched.SetSpaceHook(func(owner any) {
		vm.Switch(owner.(*Process).mtag)
	})
	log.Debug("proc: process manager initialized")
}

// SetRootFS installs the mounted filesystem the file syscalls use.
func SetRootFS(fs *ktfs.FS) {
	rootFS = fs
}

// SetConsole installs the endpoint PRINT writes to.
func SetConsole(io kio.IO) {
	console = io
}

// SetUserModeRunner installs the user-mode entry trampoline.
func SetUserModeRunner(fn func(tf *machine.TrapFrame)) {
	userRun = fn
}

// CurrentProcess returns the process of the running thread, or nil for
// a bare kernel thread.
func CurrentProcess() *Process {
	p, _ := sched.Current().Process().(*Process)
	return p
}

func allocProcSlot() (int, error) {
	for i := 0; i < NPROC; i++ {
		if proctab[i] == nil {
			return i, nil
		}
	}
	return 0, kerror.ErrNoMem
}

// Exec replaces the current process image with the executable behind
// io. The argument page is built before the old image is torn down; on
// success Exec enters user mode and does not return.
func Exec(io kio.IO, argv []string) error {
	argPage, err := mem.AllocPage()
	if err != nil {
		return err
	}
	mem.ZeroPage(argPage)
	sp, a1, err := buildArgPage(argPage, argv)
	if err != nil {
		mem.FreePage(argPage)
		return err
	}

	vm.ResetActive()
	entry, err := loader.Load(io)
	if err != nil {
		// The old image is gone; the caller cannot continue either
		// way.
		mem.FreePage(argPage)
		return err
	}
	if err := vm.MapPage(vm.UmemEnd-machine.PageSize, argPage, vm.FlagR|vm.FlagW|vm.FlagU); err != nil {
		mem.FreePage(argPage)
		return err
	}

	tf := &machine.TrapFrame{Sepc: entry, Sp: sp}
	tf.A[0] = uint64(len(argv))
	tf.A[1] = a1
	enterUser(tf)
	return nil
}

// buildArgPage lays the exec arguments into the page that becomes the
// top of the user stack: the argv pointer vector, NULL terminated,
// followed by the packed strings, with the whole image rounded up to
// sixteen bytes per the ABI. It returns the initial user stack pointer
// and the user address of argv.
func buildArgPage(argPage uint64, argv []string) (sp, uargv uint64, err error) {
	vecsz := (len(argv) + 1) * 8
	ssz := 0
	for _, a := range argv {
		ssz += len(a) + 1
	}
	stksz := uint64((vecsz + ssz + 15) &^ 15)
	if stksz > machine.PageSize {
		return 0, 0, kerror.ErrInvalid
	}

	base := machine.PageSize - stksz
	pageVA := vm.UmemEnd - machine.PageSize
	b := m.Bytes(argPage, machine.PageSize)

	strOff := base + uint64(vecsz)
	for i, a := range argv {
		m.WriteWord(argPage+base+uint64(8*i), pageVA+strOff)
		copy(b[strOff:], a)
		strOff += uint64(len(a)) + 1
	}
	m.WriteWord(argPage+base+uint64(8*len(argv)), 0)
	return pageVA + base, pageVA + base, nil
}

// enterUser hands a trap frame to the user-mode runner. A runner that
// returns means the user program fell off its world; treat it as exit.
func enterUser(tf *machine.TrapFrame) {
	if userRun == nil {
		panic("proc: no user-mode runner installed")
	}
	userRun(tf)
	Exit()
}

// Fork clones the current process: address space, descriptor table and
// trap frame, with the child's return value forced to zero. The parent
// resumes only after the child's address space is installed. Returns
// the child's thread id.
func Fork(tf *machine.TrapFrame) (int, error) {
	parent := CurrentProcess()
	if parent == nil {
		return 0, kerror.ErrInvalid
	}
	idx, err := allocProcSlot()
	if err != nil {
		return 0, err
	}

	child := &Process{idx: idx, mtag: vm.CloneActive()}
	for i, io := range parent.iotab {
		if io != nil {
			child.iotab[i] = kio.AddRef(io)
		}
	}

	ctf := *tf
	ctf.A[0] = 0

	var done sched.Condition
	done.Init("fork.done")
	started := false

	tid, err := sched.Spawn("fork-child", func() {
		t := sched.Current()
		child.tid = t.ID()
		t.SetProcess(child)
		vm.Switch(child.mtag)
		started = true
		done.Broadcast()
		enterUser(&ctf)
	})
	if err != nil {
		for _, io := range child.iotab {
			if io != nil {
				kio.Close(io)
			}
		}
		return 0, err
	}
	proctab[idx] = child

	for !started {
		done.Wait()
	}
	return tid, nil
}

// Exit tears the current process down: the address space is discarded,
// every descriptor is closed and the thread exits. Exit of the main
// process is fatal.
func Exit() {
	p := CurrentProcess()
	if p == nil {
		panic("proc: exit without a process")
	}
	if p.idx == 0 {
		m.Halt(1)
	}
	// A process living in the main space only sheds its user pages;
	// cloned spaces are torn down wholesale.
	if p.mtag == vm.MainTag() {
		vm.ResetActive()
	} else {
		vm.DiscardActive()
	}
	p.mtag = vm.MainTag()
	for i, io := range p.iotab {
		if io != nil {
			kio.Close(io)
			p.iotab[i] = nil
		}
	}
	proctab[p.idx] = nil
	sched.Exit()
}

// Start launches an executable as a new process on a fresh thread,
// inheriting the given descriptor endpoints (each gains a reference).
// It returns the process's thread id.
func Start(name string, io kio.IO, argv []string, stdio []kio.IO) (int, error) {
	idx, err := allocProcSlot()
	if err != nil {
		return 0, err
	}
	p := &Process{idx: idx}
	for i, s := range stdio {
		if i >= IOMax {
			break
		}
		if s != nil {
			p.iotab[i] = kio.AddRef(s)
		}
	}
	proctab[idx] = p

	tid, err := sched.Spawn(name, func() {
		t := sched.Current()
		p.tid = t.ID()
		p.mtag = vm.ActiveTag()
		t.SetProcess(p)
		if err := Exec(io, argv); err != nil {
			log.WithField("name", name).WithError(err).Error("proc: exec failed")
			Exit()
		}
	})
	if err != nil {
		proctab[idx] = nil
		return 0, err
	}
	return tid, nil
}

// Descriptor-table helpers.

func (p *Process) fdGet(fd int) (kio.IO, error) {
	if fd < 0 || fd >= IOMax || p.iotab[fd] == nil {
		return nil, kerror.ErrBadFd
	}
	return p.iotab[fd], nil
}

// fdAssign installs io at fd, or at the lowest free slot when fd is
// negative. The process owns the caller's reference on success.
func (p *Process) fdAssign(fd int, io kio.IO) (int, error) {
	if fd >= 0 {
		if fd >= IOMax || p.iotab[fd] != nil {
			return 0, kerror.ErrInvalid
		}
		p.iotab[fd] = io
		return fd, nil
	}
	for i := 0; i < IOMax; i++ {
		if p.iotab[i] == nil {
			p.iotab[i] = io
			return i, nil
		}
	}
	return 0, kerror.ErrTooManyFiles
}
