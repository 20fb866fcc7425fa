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

// Package machine virtualizes the single-hart RISC-V machine the kernel
// runs on: a contiguous RAM arena addressed by physical address, the
// monotonic time and timer-compare registers, the supervisor interrupt
// enable state, WFI, and external interrupt sources.
//
// The kernel proper never touches host facilities directly; everything
// below the supervisor-mode line goes through this package. RAM contents
// are little-endian bytes, so page tables, free-chunk headers and disk
// images have the same byte-level representation they would have on
// hardware.
package machine

import (
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// PageSize is the machine page size in bytes.
	PageSize = 4096

	// RAMStart is the physical address of the first byte of RAM. The
	// region below it is MMIO.
	RAMStart uint64 = 0x8000_0000

	// TimerFreq is the tick rate of the monotonic time register, in Hz.
	TimerFreq uint64 = 10_000_000

	// DefaultRAMSize is the RAM arena size used when a configuration does
	// not specify one.
	DefaultRAMSize = 64 << 20
)

// TrapFrame is the register state captured at a user-mode trap and
// restored when returning to user mode.
type TrapFrame struct {
	// A holds the argument registers a0..a7. a7 carries the system call
	// number; a0 carries the return value.
	A [8]uint64

	// Sepc is the user program counter.
	Sepc uint64

	// Sp is the user stack pointer.
	Sp uint64

	// Sstatus mirrors the supervisor status CSR bits relevant to the
	// return path (previous privilege, previous interrupt enable).
	Sstatus uint64
}

type irqSource struct {
	pending func() bool
	isr     func()
}

// Machine is one virtualized single-hart machine instance.
type Machine struct {
	ram []byte

	// time and timeCmp are the monotonic time and timer-compare
	// registers, in ticks of TimerFreq.
	time    uint64
	timeCmp uint64

	// sie is the global supervisor interrupt enable; stie is the timer
	// interrupt enable. ISRs always run with sie clear.
	sie  bool
	stie bool

	timerISR func()
	irqs     []irqSource

	// wake is signalled by host-side producers (console input pumps) so
	// that WFI can sleep without spinning.
	wake chan struct{}

	// realtime makes timer waits take wall-clock time.
	realtime bool

	haltFn func(code int)
}

// New returns a machine with ramSize bytes of RAM and interrupts
// disabled. The timer is not armed.
func New(ramSize int) *Machine {
	if ramSize <= 0 {
		ramSize = DefaultRAMSize
	}
	m := &Machine{
		ram:     make([]byte, ramSize),
		timeCmp: ^uint64(0),
		wake:    make(chan struct{}, 1),
	}
	log.WithFields(log.Fields{
		"ram_start": fmt.Sprintf("%#x", RAMStart),
		"ram_size":  ramSize,
	}).Debug("machine: reset")
	return m
}

// RAMEnd returns the physical address one past the last byte of RAM.
func (m *Machine) RAMEnd() uint64 {
	return RAMStart + uint64(len(m.ram))
}

// RAMSize returns the size of the RAM arena in bytes.
func (m *Machine) RAMSize() int {
	return len(m.ram)
}

// Bytes returns the RAM bytes backing [pa, pa+n). The physical range must
// lie entirely in RAM; violating that is a machine check and panics.
func (m *Machine) Bytes(pa uint64, n int) []byte {
	if pa < RAMStart || n < 0 || pa+uint64(n) > m.RAMEnd() {
		panic(fmt.Sprintf("machine: physical access [%#x, %#x) outside RAM", pa, pa+uint64(n)))
	}
	off := pa - RAMStart
	return m.ram[off : off+uint64(n) : off+uint64(n)]
}

// ReadWord reads the little-endian 64-bit word at physical address pa.
func (m *Machine) ReadWord(pa uint64) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(pa, 8))
}

// WriteWord writes v as a little-endian 64-bit word at physical address
// pa.
func (m *Machine) WriteWord(pa uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.Bytes(pa, 8), v)
}

// Now returns the time register.
func (m *Machine) Now() uint64 {
	return m.time
}

// AdvanceTime advances the time register by ticks and delivers any
// interrupt that became pending, subject to the enable state.
func (m *Machine) AdvanceTime(ticks uint64) {
	if t := m.time + ticks; t < m.time {
		m.time = ^uint64(0)
	} else {
		m.time = t
	}
	m.deliverPending()
}

// SetTimeCmp programs the timer-compare register.
func (m *Machine) SetTimeCmp(v uint64) {
	m.timeCmp = v
}

// TimeCmp returns the timer-compare register.
func (m *Machine) TimeCmp() uint64 {
	return m.timeCmp
}

// SetTimerISR installs the supervisor timer interrupt handler.
func (m *Machine) SetTimerISR(isr func()) {
	m.timerISR = isr
}

// EnableTimer sets the supervisor timer interrupt enable (STIE).
func (m *Machine) EnableTimer() {
	m.stie = true
	m.deliverPending()
}

// DisableTimer clears the supervisor timer interrupt enable.
func (m *Machine) DisableTimer() {
	m.stie = false
}

// TimerEnabled reports the STIE state.
func (m *Machine) TimerEnabled() bool {
	return m.stie
}

// RegisterIRQ attaches an external interrupt source. pending must be safe
// to call from host goroutines; isr runs on the kernel hart with
// interrupts disabled.
func (m *Machine) RegisterIRQ(pending func() bool, isr func()) {
	m.irqs = append(m.irqs, irqSource{pending: pending, isr: isr})
}

// DisableInterrupts clears the global interrupt enable and returns the
// previous state, for the save/restore pattern around critical sections.
func (m *Machine) DisableInterrupts() bool {
	prev := m.sie
	m.sie = false
	return prev
}

// EnableInterrupts sets the global interrupt enable and delivers any
// pending interrupts.
func (m *Machine) EnableInterrupts() {
	m.sie = true
	m.deliverPending()
}

// RestoreInterrupts restores a state saved by DisableInterrupts. Pending
// interrupts are delivered at the moment the enable takes effect; this is
// the delivery point the idle thread's WFI pattern relies on.
func (m *Machine) RestoreInterrupts(prev bool) {
	if prev {
		m.EnableInterrupts()
	}
}

// InterruptsEnabled reports the global enable state.
func (m *Machine) InterruptsEnabled() bool {
	return m.sie
}

// deliverPending runs ISRs for all pending interrupts while the global
// enable is set. ISRs run with interrupts disabled; an ISR that leaves
// its source pending without disabling it would wedge the hart, exactly
// as on hardware.
func (m *Machine) deliverPending() {
	for m.sie {
		if m.stie && m.time >= m.timeCmp {
			m.sie = false
			if m.timerISR != nil {
				m.timerISR()
			}
			m.sie = true
			continue
		}
		fired := false
		for _, s := range m.irqs {
			if s.pending() {
				m.sie = false
				s.isr()
				m.sie = true
				fired = true
			}
		}
		if !fired {
			return
		}
	}
}

// SetRealtime makes WFI wait wall-clock time for the timer instead of
// jumping virtual time to the compare value. Interactive runs want it;
// tests leave it off so sleeps are instantaneous.
func (m *Machine) SetRealtime(on bool) {
	m.realtime = on
}

// WFI stalls the hart until an interrupt is pending. As on hardware, WFI
// returns when an enabled source becomes pending even if the global
// enable is clear; the ISR then runs when interrupts are restored.
//
// Virtual time passes only while the hart sleeps; computation is
// instantaneous. With an armed timer, WFI either jumps the time register
// to the compare value or, in realtime mode, waits out the interval.
func (m *Machine) WFI() {
	for {
		timerArmed := m.stie && m.timeCmp != ^uint64(0)
		if timerArmed && m.time >= m.timeCmp {
			return
		}
		for _, s := range m.irqs {
			if s.pending() {
				return
			}
		}
		if timerArmed {
			if !m.realtime {
				m.time = m.timeCmp
				return
			}
			d := time.Duration(m.timeCmp-m.time) * (time.Second / time.Duration(TimerFreq))
			select {
			case <-m.wake:
				continue
			case <-time.After(d):
				m.time = m.timeCmp
				return
			}
		}
		if len(m.irqs) == 0 {
			panic("machine: wfi with no wake source")
		}
		<-m.wake
	}
}

// Notify wakes the hart out of WFI. Host-side producers call this after
// making an interrupt source pending.
func (m *Machine) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// SetHaltFn installs the handler invoked when the kernel halts the
// machine.
func (m *Machine) SetHaltFn(fn func(code int)) {
	m.haltFn = fn
}

// Halt stops the machine with the given exit code.
func (m *Machine) Halt(code int) {
	if m.haltFn != nil {
		m.haltFn(code)
		return
	}
	panic(fmt.Sprintf("machine: halted with code %d", code))
}
