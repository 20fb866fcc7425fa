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

package sched

// Condition is a condition variable: a named list of waiting threads.
// Every thread on the wait list is WAITING with waitCond pointing here.
type Condition struct {
	name string
	wait threadList
}

// Init names the condition and clears its wait list.
func (c *Condition) Init(name string) {
	if name == "" {
		name = "condition"
	}
	c.name = name
	c.wait = threadList{}
}

// Name returns the condition's name.
func (c *Condition) Name() string { return c.name }

// Wait suspends the caller until the condition is broadcast. The caller
// must be RUNNING and must not hold an interrupts-disabled critical
// section.
func (c *Condition) Wait() {
	t := cur
	if t.state != StateRunning {
		panic("sched: condition wait by a thread that is not running")
	}
	t.state = StateWaiting
	t.waitCond = c

	pie := m.DisableInterrupts()
	c.wait.put(t)
	m.RestoreInterrupts(pie)

	suspend()
}

// Broadcast moves every waiter to the tail of the ready list in wait
// order and marks each READY with its wait condition cleared. Safe to
// call from interrupt handlers.
func (c *Condition) Broadcast() {
	pie := m.DisableInterrupts()
	ready.splice(&c.wait)
	for t := ready.head; t != nil; t = t.listNext {
		if t.waitCond == c {
			t.state = StateReady
			t.waitCond = nil
		}
	}
	m.RestoreInterrupts(pie)
}
