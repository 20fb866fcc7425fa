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

// Package rtc provides the real-time clock character device in the
// Goldfish style: reads return the current time as a little-endian
// 64-bit nanosecond count.
package rtc

import (
	"encoding/binary"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

// RTC is the clock device.
type RTC struct {
	kio.Ref
	kio.DefaultIOImpl
	now func() uint64
}

// New creates an RTC backed by the nanosecond source now and registers
// it under name.
func New(name string, now func() uint64) (*RTC, error) {
	r := &RTC{now: now}
	r.Ref.Init()
	if _, err := dev.Register(name, func(any) (kio.IO, error) {
		return kio.AddRef(r), nil
	}, nil); err != nil {
		return nil, err
	}
	return r, nil
}

// Read implements kio.IO.Read with one eight-byte timestamp record.
func (r *RTC) Read(p []byte) (int, error) {
	if len(p) < 8 {
		return 0, kerror.ErrInvalid
	}
	binary.LittleEndian.PutUint64(p, r.now())
	return 8, nil
}
