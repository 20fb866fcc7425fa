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

// Package sched implements kernel threads for a single hart: thread
// lifecycle with parent/child join, a FIFO ready list, condition
// variables, reentrant locks and timer alarms.
//
// Each kernel thread is a goroutine gated by a baton channel; exactly
// one holds the baton at any instant, so thread switches are explicit
// handoffs and all kernel state between suspension points is
// single-threaded. Critical sections shared with interrupt handlers use
// the machine's interrupt-disable discipline.
package sched

import (
	"runtime"

	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/mem"
)

// State is a thread lifecycle state.
type State int

// Thread states.
const (
	StateUninit State = iota
	StateWaiting
	StateRunning
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "UNINITIALIZED"
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateReady:
		return "READY"
	case StateExited:
		return "EXITED"
	}
	return "UNDEFINED"
}

const (
	// NTHR is the size of the thread table.
	NTHR = 16

	idleTID = NTHR - 1
	mainTID = 0
)

// Thread is one kernel thread.
type Thread struct {
	id       int
	name     string
	state    State
	parentID int

	// listNext threads this record onto at most one list at a time:
	// the ready list, a condition wait list, never both.
	listNext *Thread
	waitCond *Condition

	// childExit is broadcast when this thread exits; the parent waits
	// on it in Join.
	childExit Condition

	// stackPage is the kernel stack page, carrying the stack anchor in
	// its topmost sixteen bytes. Zero for the main thread.
	stackPage uint64

	// baton gates the goroutine backing this thread. A receive grants
	// the hart; a send passes it on.
	baton chan struct{}

	// proc is the owning process, if this thread runs one.
	proc any
}

// ID returns the thread id.
func (t *Thread) ID() int { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Process returns the process attached to this thread, or nil.
func (t *Thread) Process() any { return t.proc }

// SetProcess attaches a process to this thread.
func (t *Thread) SetProcess(p any) { t.proc = p }

var (
	m      *machine.Machine
	thrtab [NTHR]*Thread
	ready  threadList
	cur    *Thread

	// spaceHook, when set, is invoked with the process of the thread
	// being switched to, so the process layer can install its address
	// space before the thread resumes.
	spaceHook func(p any)
)

// Init resets the scheduler, adopting the calling goroutine as the main
// thread and creating the idle thread. The machine's timer interrupt is
// wired to the alarm queue and interrupts are enabled.
func Init(mach *machine.Machine) {
	m = mach
	thrtab = [NTHR]*Thread{}
	ready = threadList{}
	sleepList = nil

	main := &Thread{
		id:       mainTID,
		name:     "main",
		state:    StateRunning,
		parentID: -1,
		baton:    make(chan struct{}),
	}
	main.childExit.Init("main.child_exit")
	thrtab[mainTID] = main
	cur = main

	idle := &Thread{
		id:       idleTID,
		name:     "idle",
		state:    StateReady,
		parentID: -1,
		baton:    make(chan struct{}),
	}
	idle.childExit.Init("idle.child_exit")
	if pa, err := mem.AllocPage(); err == nil {
		idle.stackPage = pa
		writeStackAnchor(pa, idleTID)
	}
	thrtab[idleTID] = idle
	go func() {
		<-idle.baton
		idleLoop()
	}()

	m.SetTimeCmp(^uint64(0))
	m.SetTimerISR(timerISR)
	m.EnableInterrupts()
	log.Debug("sched: thread manager initialized")
}

// SetSpaceHook installs the address-space switch hook called when a
// thread carrying a process is scheduled.
func SetSpaceHook(fn func(p any)) {
	spaceHook = fn
}

// Current returns the running thread.
func Current() *Thread {
	return cur
}

// NameOf returns the name of the thread with the given id.
func NameOf(tid int) string {
	if tid < 0 || tid >= NTHR || thrtab[tid] == nil {
		return ""
	}
	return thrtab[tid].name
}

// writeStackAnchor places the top-of-stack sentinel: the owning thread
// id and a cleared gp save slot.
func writeStackAnchor(stackPage uint64, tid int) {
	m.WriteWord(stackPage+machine.PageSize-16, uint64(tid))
	m.WriteWord(stackPage+machine.PageSize-8, 0)
}

// Spawn creates a thread named name running entry and marks it ready.
// The new thread's parent is the caller. It returns the thread id.
func Spawn(name string, entry func()) (int, error) {
	tid := 0
	for tid++; tid < NTHR; tid++ {
		if thrtab[tid] == nil {
			break
		}
	}
	if tid >= NTHR {
		return 0, kerror.ErrNoThreads
	}

	stackPage, err := mem.AllocPage()
	if err != nil {
		return 0, err
	}

	t := &Thread{
		id:        tid,
		name:      name,
		state:     StateReady,
		parentID:  cur.id,
		stackPage: stackPage,
		baton:     make(chan struct{}),
	}
	t.childExit.Init(name + ".child_exit")
	writeStackAnchor(stackPage, tid)
	thrtab[tid] = t

	go func() {
		<-t.baton
		entry()
		Exit()
	}()

	pie := m.DisableInterrupts()
	ready.put(t)
	m.RestoreInterrupts(pie)

	log.WithFields(log.Fields{"tid": tid, "name": name}).Debug("sched: thread spawned")
	return tid, nil
}

// Yield gives up the hart, keeping the caller ready.
func Yield() {
	suspend()
}

// Exit terminates the calling thread. Exit by the main thread halts the
// machine with success. Exit does not return.
func Exit() {
	t := cur
	if t.id == mainTID {
		m.Halt(0)
	}
	t.state = StateExited
	t.childExit.Broadcast()
	suspend()
	// The baton is gone; tear the goroutine down without returning
	// into the thread body.
	runtime.Goexit()
}

// Join waits for a child to exit and reclaims it, returning its id.
// With tid zero it waits for any child; without children it fails.
func Join(tid int) (int, error) {
	if tid < 0 || tid >= NTHR {
		return 0, kerror.ErrInvalid
	}

	if tid == 0 {
		for {
			haveChildren := false
			for i := 1; i < NTHR; i++ {
				child := thrtab[i]
				if child == nil || child.parentID != cur.id {
					continue
				}
				haveChildren = true
				if child.state == StateExited {
					reclaim(i)
					return i, nil
				}
			}
			if !haveChildren {
				return 0, kerror.ErrInvalid
			}
			for i := 1; i < NTHR; i++ {
				child := thrtab[i]
				if child != nil && child.parentID == cur.id && child.state != StateExited {
					child.childExit.Wait()
					break
				}
			}
		}
	}

	child := thrtab[tid]
	if child == nil || child.parentID != cur.id {
		return 0, kerror.ErrInvalid
	}
	if child.state == StateExited {
		reclaim(tid)
		return tid, nil
	}
	child.childExit.Wait()
	reclaim(tid)
	return tid, nil
}

// reclaim frees an exited thread: its children are re-parented to its
// parent, the table slot is cleared and the stack page returns to the
// pool.
func reclaim(tid int) {
	t := thrtab[tid]
	if tid <= 0 || tid >= NTHR || t == nil {
		panic("sched: reclaim of empty thread slot")
	}
	if t.state != StateExited {
		panic("sched: reclaim of live thread")
	}
	for ctid := 1; ctid < NTHR; ctid++ {
		if thrtab[ctid] != nil && thrtab[ctid].parentID == tid {
			thrtab[ctid].parentID = t.parentID
		}
	}
	thrtab[tid] = nil
	if t.stackPage != 0 {
		mem.FreePage(t.stackPage)
	}
}

// suspend switches to the next ready thread, or to the idle thread when
// none is ready. A caller still RUNNING is re-queued; callers that have
// arranged another state (waiting, exited) are not.
func suspend() {
	t := cur
	m.DisableInterrupts()
	if t.state == StateRunning {
		t.state = StateReady
		ready.put(t)
	}
	next := ready.get()
	if next == nil {
		next = thrtab[idleTID]
	}
	if next == t {
		t.state = StateRunning
		m.EnableInterrupts()
		return
	}
	exiting := t.state == StateExited
	next.state = StateRunning
	cur = next
	if next.proc != nil && spaceHook != nil {
		spaceHook(next.proc)
	}
	m.EnableInterrupts()
	next.baton <- struct{}{}
	if exiting {
		return
	}
	<-t.baton
}

// idleLoop runs when nothing is ready. The interrupt-disable window
// around the ready-list check and WFI closes the race with a wakeup
// arriving between the check and the stall; the pending interrupt is
// delivered at the restore.
func idleLoop() {
	for {
		pie := m.DisableInterrupts()
		if ready.empty() {
			m.WFI()
		}
		m.RestoreInterrupts(pie)
		Yield()
	}
}
