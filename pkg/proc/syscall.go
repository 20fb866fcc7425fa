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
	"encoding/binary"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/sched"
	"ktos.dev/ktos/pkg/vm"
)

// System call numbers, carried in a7.
const (
	SysExit     = 0
	SysExec     = 1
	SysFork     = 2
	SysWait     = 3
	SysPrint    = 4
	SysUsleep   = 5
	SysDevOpen  = 6
	SysFsOpen   = 7
	SysFsCreate = 8
	SysFsDelete = 9
	SysClose    = 10
	SysRead     = 11
	SysWrite    = 12
	SysIoctl    = 13
	SysPipe     = 14
	SysIoDup    = 15
)

// readLimit bounds a single read or write transfer.
const readLimit = 1 << 20

// Syscall handles an ECALL trap: the program counter is stepped past
// the ECALL before dispatch, and the result lands in a0.
func Syscall(tf *machine.TrapFrame) {
	tf.Sepc += 4
	ret, err := dispatch(tf)
	if err != nil {
		tf.A[0] = uint64(kerror.CodeOf(err))
		return
	}
	tf.A[0] = uint64(ret)
}

func dispatch(tf *machine.TrapFrame) (int64, error) {
	p := CurrentProcess()
	if p == nil {
		return 0, kerror.ErrInvalid
	}
	switch tf.A[7] {
	case SysExit:
		Exit()
		panic("proc: exit returned")

	case SysExec:
		return sysExec(p, tf)

	case SysFork:
		tid, err := Fork(tf)
		return int64(tid), err

	case SysWait:
		tid, err := sched.Join(int(int64(tf.A[0])))
		return int64(tid), err

	case SysPrint:
		return sysPrint(tf.A[0])

	case SysUsleep:
		var al sched.Alarm
		al.Init("usleep")
		al.SleepUS(tf.A[0])
		return 0, nil

	case SysDevOpen:
		return sysDevOpen(p, int(int64(tf.A[0])), tf.A[1], int(int64(tf.A[2])))

	case SysFsOpen:
		return sysFsOpen(p, int(int64(tf.A[0])), tf.A[1])

	case SysFsCreate:
		name, err := vm.ReadString(tf.A[0], vm.FlagR|vm.FlagU)
		if err != nil {
			return 0, err
		}
		if rootFS == nil {
			return 0, kerror.ErrNotSupported
		}
		return 0, rootFS.Create(name)

	case SysFsDelete:
		name, err := vm.ReadString(tf.A[0], vm.FlagR|vm.FlagU)
		if err != nil {
			return 0, err
		}
		if rootFS == nil {
			return 0, kerror.ErrNotSupported
		}
		return 0, rootFS.Delete(name)

	case SysClose:
		fd := int(int64(tf.A[0]))
		io, err := p.fdGet(fd)
		if err != nil {
			return 0, err
		}
		p.iotab[fd] = nil
		return 0, kio.Close(io)

	case SysRead:
		return sysRead(p, tf)

	case SysWrite:
		return sysWrite(p, tf)

	case SysIoctl:
		return sysIoctl(p, tf)

	case SysPipe:
		return sysPipe(p, tf.A[0], tf.A[1])

	case SysIoDup:
		return sysIoDup(p, int(int64(tf.A[0])), int(int64(tf.A[1])))
	}
	return 0, kerror.ErrNotSupported
}

func sysExec(p *Process, tf *machine.TrapFrame) (int64, error) {
	io, err := p.fdGet(int(int64(tf.A[0])))
	if err != nil {
		return 0, err
	}
	argc := int(int64(tf.A[1]))
	if argc < 0 || argc > 64 {
		return 0, kerror.ErrInvalid
	}
	uargv := tf.A[2]
	argv := make([]string, argc)
	if argc > 0 {
		if err := vm.ValidatePtr(uargv, argc*8, vm.FlagR|vm.FlagU); err != nil {
			return 0, err
		}
		vec := make([]byte, argc*8)
		if err := vm.CopyIn(uargv, vec); err != nil {
			return 0, err
		}
		for i := 0; i < argc; i++ {
			s, err := vm.ReadString(binary.LittleEndian.Uint64(vec[8*i:]), vm.FlagR|vm.FlagU)
			if err != nil {
				return 0, err
			}
			argv[i] = s
		}
	}
	return 0, Exec(io, argv)
}

func sysPrint(msg uint64) (int64, error) {
	s, err := vm.ReadString(msg, vm.FlagR|vm.FlagU)
	if err != nil {
		return 0, err
	}
	if console != nil {
		if _, err := console.Write([]byte(s)); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func sysDevOpen(p *Process, fd int, uname uint64, instno int) (int64, error) {
	name, err := vm.ReadString(uname, vm.FlagR|vm.FlagU)
	if err != nil {
		return 0, err
	}
	io, err := dev.Open(name, instno)
	if err != nil {
		return 0, err
	}
	n, err := p.fdAssign(fd, io)
	if err != nil {
		kio.Close(io)
		return 0, err
	}
	return int64(n), nil
}

func sysFsOpen(p *Process, fd int, uname uint64) (int64, error) {
	name, err := vm.ReadString(uname, vm.FlagR|vm.FlagU)
	if err != nil {
		return 0, err
	}
	if rootFS == nil {
		return 0, kerror.ErrNotSupported
	}
	io, err := rootFS.Open(name)
	if err != nil {
		return 0, err
	}
	n, err := p.fdAssign(fd, io)
	if err != nil {
		kio.Close(io)
		return 0, err
	}
	return int64(n), nil
}

func sysRead(p *Process, tf *machine.TrapFrame) (int64, error) {
	io, err := p.fdGet(int(int64(tf.A[0])))
	if err != nil {
		return 0, err
	}
	length := int(int64(tf.A[2]))
	if length < 0 || length > readLimit {
		return 0, kerror.ErrInvalid
	}
	if length == 0 {
		return 0, nil
	}
	if err := vm.ValidatePtr(tf.A[1], length, vm.FlagW|vm.FlagU); err != nil {
		return 0, err
	}
	buf := make([]byte, length)
	n, err := io.Read(buf)
	if err != nil {
		return 0, err
	}
	if err := vm.CopyOut(tf.A[1], buf[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysWrite(p *Process, tf *machine.TrapFrame) (int64, error) {
	io, err := p.fdGet(int(int64(tf.A[0])))
	if err != nil {
		return 0, err
	}
	length := int(int64(tf.A[2]))
	if length < 0 || length > readLimit {
		return 0, kerror.ErrInvalid
	}
	if length == 0 {
		return 0, nil
	}
	if err := vm.ValidatePtr(tf.A[1], length, vm.FlagR|vm.FlagU); err != nil {
		return 0, err
	}
	buf := make([]byte, length)
	if err := vm.CopyIn(tf.A[1], buf); err != nil {
		return 0, err
	}
	n, err := io.Write(buf)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysIoctl(p *Process, tf *machine.TrapFrame) (int64, error) {
	io, err := p.fdGet(int(int64(tf.A[0])))
	if err != nil {
		return 0, err
	}
	cmd := int(int64(tf.A[1]))
	uarg := tf.A[2]
	switch cmd {
	case kio.CntlGetBlksz:
		v, err := io.Cntl(cmd, 0)
		return int64(v), err

	case kio.CntlGetPos, kio.CntlGetEnd:
		v, err := io.Cntl(cmd, 0)
		if err != nil {
			return 0, err
		}
		if err := vm.ValidatePtr(uarg, 8, vm.FlagW|vm.FlagU); err != nil {
			return 0, err
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return 0, vm.CopyOut(uarg, b[:])

	case kio.CntlSetPos, kio.CntlSetEnd:
		if err := vm.ValidatePtr(uarg, 8, vm.FlagR|vm.FlagU); err != nil {
			return 0, err
		}
		var b [8]byte
		if err := vm.CopyIn(uarg, b[:]); err != nil {
			return 0, err
		}
		_, err := io.Cntl(cmd, binary.LittleEndian.Uint64(b[:]))
		return 0, err
	}
	return 0, kerror.ErrNotSupported
}

func sysPipe(p *Process, uwfd, urfd uint64) (int64, error) {
	if uwfd == urfd {
		return 0, kerror.ErrInvalid
	}
	var wreq, rreq int
	if err := copyInFd(uwfd, &wreq); err != nil {
		return 0, err
	}
	if err := copyInFd(urfd, &rreq); err != nil {
		return 0, err
	}
	if wreq >= 0 && wreq == rreq {
		return 0, kerror.ErrInvalid
	}

	w, r := kio.NewPipe()
	wfd, err := p.fdAssign(wreq, w)
	if err != nil {
		kio.Close(kio.IO(w))
		kio.Close(kio.IO(r))
		return 0, err
	}
	rfd, err := p.fdAssign(rreq, r)
	if err != nil {
		p.iotab[wfd] = nil
		kio.Close(kio.IO(w))
		kio.Close(kio.IO(r))
		return 0, err
	}
	if err := copyOutFd(uwfd, wfd); err != nil {
		return 0, err
	}
	return 0, copyOutFd(urfd, rfd)
}

func sysIoDup(p *Process, oldfd, newfd int) (int64, error) {
	io, err := p.fdGet(oldfd)
	if err != nil {
		return 0, err
	}
	if newfd < 0 {
		n, err := p.fdAssign(-1, kio.AddRef(io))
		if err != nil {
			kio.Close(io)
			return 0, err
		}
		return int64(n), nil
	}
	if newfd >= IOMax {
		return 0, kerror.ErrBadFd
	}
	if newfd == oldfd {
		return int64(newfd), nil
	}
	if p.iotab[newfd] != nil {
		kio.Close(p.iotab[newfd])
		p.iotab[newfd] = nil
	}
	p.iotab[newfd] = kio.AddRef(io)
	return int64(newfd), nil
}

// copyInFd reads a 32-bit descriptor request from user memory.
func copyInFd(uptr uint64, out *int) error {
	if err := vm.ValidatePtr(uptr, 4, vm.FlagR|vm.FlagW|vm.FlagU); err != nil {
		return err
	}
	var b [4]byte
	if err := vm.CopyIn(uptr, b[:]); err != nil {
		return err
	}
	*out = int(int32(binary.LittleEndian.Uint32(b[:])))
	return nil
}

// copyOutFd writes a descriptor number back to user memory.
func copyOutFd(uptr uint64, fd int) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(fd))
	return vm.CopyOut(uptr, b[:])
}
