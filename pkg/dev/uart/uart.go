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

// Package uart provides the console character device: an NS8250-style
// serial port whose receive side is fed by a host-side pump through the
// machine's external interrupt path, and whose transmit side drains to
// a host writer.
package uart

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/sched"
)

// rbufSize is the receive ring capacity.
const rbufSize = 1024

// UART is one serial device instance.
type UART struct {
	kio.Ref
	kio.DefaultIOImpl

	m   *machine.Machine
	out io.Writer

	// rxbuf is the receive ring; head and tail are free-running.
	// Filled by the ISR, drained by Read under the interrupt-disable
	// discipline.
	rxbuf [rbufSize]byte
	rhead uint64
	rtail uint64

	rxAvail sched.Condition
	lock    sched.Lock

	// fifo models the hardware receive FIFO between the host pump and
	// the ISR. Guarded by fifoMu; the only state host goroutines
	// touch.
	fifoMu sync.Mutex
	fifo   []byte
}

// New creates a UART draining transmit bytes to out, wires its
// interrupt into the machine and registers it in the device registry
// under name. Host input arrives via Inject or Pump.
func New(m *machine.Machine, name string, out io.Writer) (*UART, error) {
	u := &UART{m: m, out: out}
	u.Ref.Init()
	u.rxAvail.Init(name + ".rxavail")
	u.lock.Init(name + ".lock")
	m.RegisterIRQ(u.irqPending, u.isr)
	if _, err := dev.Register(name, func(any) (kio.IO, error) {
		return kio.AddRef(u), nil
	}, nil); err != nil {
		return nil, err
	}
	return u, nil
}

// Inject queues host input bytes as if received on the wire.
func (u *UART) Inject(p []byte) {
	u.fifoMu.Lock()
	u.fifo = append(u.fifo, p...)
	u.fifoMu.Unlock()
	u.m.Notify()
}

// Pump copies host input from r into the device until r ends. Run it
// on a host goroutine.
func (u *UART) Pump(r io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			u.Inject(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (u *UART) irqPending() bool {
	u.fifoMu.Lock()
	defer u.fifoMu.Unlock()
	return len(u.fifo) > 0
}

// isr drains the hardware FIFO into the receive ring and wakes
// readers. The FIFO always empties; bytes that do not fit in the ring
// are lost, the overrun behavior of the hardware this models. Runs
// with interrupts disabled.
func (u *UART) isr() {
	u.fifoMu.Lock()
	dropped := 0
	for _, b := range u.fifo {
		if u.rtail-u.rhead == rbufSize {
			dropped++
			continue
		}
		u.rxbuf[u.rtail%rbufSize] = b
		u.rtail++
	}
	u.fifo = u.fifo[:0]
	u.fifoMu.Unlock()
	if dropped > 0 {
		log.WithField("bytes", dropped).Warn("uart: receive overrun")
	}
	u.rxAvail.Broadcast()
}

// Read implements kio.IO.Read: it blocks until at least one byte is
// available, then returns what the ring holds.
func (u *UART) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	u.lock.Acquire()
	defer u.lock.Release()
	n := 0
	for {
		pie := u.m.DisableInterrupts()
		for n < len(p) && u.rhead != u.rtail {
			p[n] = u.rxbuf[u.rhead%rbufSize]
			u.rhead++
			n++
		}
		u.m.RestoreInterrupts(pie)
		if n > 0 {
			return n, nil
		}
		// The restore above is a delivery point; the ring may have
		// filled behind the drain. Only a still-empty ring waits.
		if u.rhead == u.rtail {
			u.rxAvail.Wait()
		}
	}
}

// Write implements kio.IO.Write, transferring all bytes to the host
// side.
func (u *UART) Write(p []byte) (int, error) {
	u.lock.Acquire()
	defer u.lock.Release()
	total := 0
	for total < len(p) {
		n, err := u.out.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
