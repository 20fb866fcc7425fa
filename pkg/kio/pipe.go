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
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/sched"
)

// PipeBufSize is the pipe ring capacity: one page.
const PipeBufSize = 4096

// pipe is the shared state behind a connected reader/writer pair. head
// and tail are free-running; tail-head is the fill level. Transfers are
// byte at a time with a broadcast after each byte, which is simple and
// correct at this scale.
type pipe struct {
	buf  [PipeBufSize]byte
	head uint64
	tail uint64

	readers int
	writers int

	lock     sched.Lock
	canRead  sched.Condition
	canWrite sched.Condition
}

func (p *pipe) empty() bool { return p.head == p.tail }
func (p *pipe) full() bool  { return p.tail-p.head == PipeBufSize }

// PipeReader is the read end of a pipe.
type PipeReader struct {
	Ref
	DefaultIOImpl
	p *pipe
}

// PipeWriter is the write end of a pipe.
type PipeWriter struct {
	Ref
	DefaultIOImpl
	p *pipe
}

// NewPipe returns the connected write and read ends of a fresh pipe,
// each holding one reference.
func NewPipe() (*PipeWriter, *PipeReader) {
	p := &pipe{readers: 1, writers: 1}
	p.lock.Init("pipe.lock")
	p.canRead.Init("pipe.can_read")
	p.canWrite.Init("pipe.can_write")
	w := &PipeWriter{p: p}
	w.Ref.Init()
	r := &PipeReader{p: p}
	r.Ref.Init()
	return w, r
}

// Read implements IO.Read. It blocks while the ring is empty and
// writers remain; once all writers are closed it drains the ring and
// then reports end of stream.
func (r *PipeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	pi := r.p
	pi.lock.Acquire()
	n := 0
	for n < len(p) {
		for pi.empty() {
			if pi.writers == 0 || n > 0 {
				pi.lock.Release()
				return n, nil
			}
			pi.lock.Release()
			pi.canRead.Wait()
			pi.lock.Acquire()
		}
		p[n] = pi.buf[pi.head%PipeBufSize]
		pi.head++
		n++
		pi.canWrite.Broadcast()
	}
	pi.lock.Release()
	return n, nil
}

// Close implements IO.Close.
func (r *PipeReader) Close() error {
	pi := r.p
	pi.lock.Acquire()
	pi.readers--
	if pi.readers == 0 {
		pi.canWrite.Broadcast()
	}
	pi.lock.Release()
	return nil
}

// Write implements IO.Write. It blocks while the ring is full; a write
// with no remaining readers fails with a broken pipe, or returns the
// partial count if some bytes were already transferred.
func (w *PipeWriter) Write(p []byte) (int, error) {
	pi := w.p
	pi.lock.Acquire()
	n := 0
	for n < len(p) {
		if pi.readers == 0 {
			pi.lock.Release()
			if n > 0 {
				return n, nil
			}
			return 0, kerror.ErrBrokenPipe
		}
		for pi.full() {
			pi.lock.Release()
			pi.canWrite.Wait()
			pi.lock.Acquire()
			if pi.readers == 0 {
				break
			}
		}
		if pi.readers == 0 {
			continue
		}
		pi.buf[pi.tail%PipeBufSize] = p[n]
		pi.tail++
		n++
		pi.canRead.Broadcast()
	}
	pi.lock.Release()
	return n, nil
}

// Close implements IO.Close.
func (w *PipeWriter) Close() error {
	pi := w.p
	pi.lock.Acquire()
	pi.writers--
	if pi.writers == 0 {
		pi.canRead.Broadcast()
	}
	pi.lock.Release()
	return nil
}
