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

import (
	"ktos.dev/ktos/pkg/hw/machine"
)

// Alarm is a timer wakeup. Sleeping threads wait on the alarm's
// condition; the timer interrupt broadcasts it when the wake time
// arrives. The sleep list is sorted by wake time ascending, and the
// machine's compare register always equals the head's wake time while
// the list is non-empty.
type Alarm struct {
	name  string
	twake uint64
	next  *Alarm
	cond  Condition
}

var sleepList *Alarm

// Init names the alarm and anchors its wake time at the current time.
func (a *Alarm) Init(name string) {
	if name == "" {
		name = "alarm"
	}
	a.name = name
	a.cond.Init(name)
	a.next = nil
	a.twake = m.Now()
}

// Sleep suspends the caller for tcnt timer ticks.
func (a *Alarm) Sleep(tcnt uint64) {
	now := m.Now()
	if ^uint64(0)-now < tcnt {
		a.twake = ^uint64(0)
	} else {
		a.twake = now + tcnt
	}
	if a.twake <= now {
		return
	}

	pie := m.DisableInterrupts()
	if sleepList == nil || a.twake < sleepList.twake {
		a.next = sleepList
		sleepList = a
	} else {
		prev := sleepList
		for prev.next != nil && prev.next.twake <= a.twake {
			prev = prev.next
		}
		a.next = prev.next
		prev.next = a
	}
	m.SetTimeCmp(sleepList.twake)
	m.EnableTimer()
	m.RestoreInterrupts(pie)

	a.cond.Wait()
}

// SleepSec suspends the caller for cnt seconds.
func (a *Alarm) SleepSec(cnt uint64) {
	a.Sleep(cnt * machine.TimerFreq)
}

// SleepMS suspends the caller for cnt milliseconds.
func (a *Alarm) SleepMS(cnt uint64) {
	a.Sleep(cnt * (machine.TimerFreq / 1000))
}

// SleepUS suspends the caller for cnt microseconds.
func (a *Alarm) SleepUS(cnt uint64) {
	a.Sleep(cnt * (machine.TimerFreq / 1000 / 1000))
}

// timerISR pops every due alarm and wakes its sleepers, then either
// reprograms the compare register for the new head or disables the
// timer interrupt. Runs with interrupts disabled.
func timerISR() {
	now := m.Now()
	for sleepList != nil && sleepList.twake <= now {
		al := sleepList
		sleepList = al.next
		al.next = nil
		al.cond.Broadcast()
	}
	if sleepList != nil {
		m.SetTimeCmp(sleepList.twake)
	} else {
		m.SetTimeCmp(^uint64(0))
		m.DisableTimer()
	}
}

// StartInterrupter spawns the periodic interrupter thread, which sleeps
// ten milliseconds in a loop. Its wakeups are what give a busy kernel
// regular rescheduling opportunities. The interrupter is detached from
// the spawning thread so it never shows up in a join.
func StartInterrupter() (int, error) {
	tid, err := Spawn("interrupter", func() {
		var al Alarm
		al.Init("interrupter.alarm")
		for {
			al.SleepMS(10)
		}
	})
	if err != nil {
		return 0, err
	}
	thrtab[tid].parentID = -1
	return tid, nil
}
