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

// Package blk provides the block storage device the filesystem cache
// sits over: a whole-block positional endpoint over an image held in
// memory, standing in for the virtio block transport.
package blk

import (
	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

// BlockSize is the device block size.
const BlockSize = 512

// Device is a block device over an image.
type Device struct {
	kio.Ref
	kio.DefaultIOImpl
	img []byte
}

// New returns a device over img, whose length must be a whole number
// of blocks.
func New(img []byte) (*Device, error) {
	if len(img)%BlockSize != 0 {
		return nil, kerror.ErrInvalid
	}
	d := &Device{img: img}
	d.Ref.Init()
	return d, nil
}

// Register adds the device to the registry under name.
func (d *Device) Register(name string) (int, error) {
	return dev.Register(name, func(any) (kio.IO, error) {
		return kio.AddRef(d), nil
	}, nil)
}

// Image returns the backing image bytes.
func (d *Device) Image() []byte {
	return d.img
}

func (d *Device) check(pos uint64, n int) error {
	if pos%BlockSize != 0 || n%BlockSize != 0 {
		return kerror.ErrInvalid
	}
	if pos+uint64(n) > uint64(len(d.img)) {
		return kerror.ErrInvalid
	}
	return nil
}

// ReadAt implements kio.IO.ReadAt for whole blocks.
func (d *Device) ReadAt(pos uint64, p []byte) (int, error) {
	if err := d.check(pos, len(p)); err != nil {
		return 0, err
	}
	return copy(p, d.img[pos:pos+uint64(len(p))]), nil
}

// WriteAt implements kio.IO.WriteAt for whole blocks.
func (d *Device) WriteAt(pos uint64, p []byte) (int, error) {
	if err := d.check(pos, len(p)); err != nil {
		return 0, err
	}
	return copy(d.img[pos:pos+uint64(len(p))], p), nil
}

// Cntl implements kio.IO.Cntl.
func (d *Device) Cntl(cmd int, arg uint64) (uint64, error) {
	switch cmd {
	case kio.CntlGetBlksz:
		return BlockSize, nil
	case kio.CntlGetEnd:
		return uint64(len(d.img)), nil
	}
	return 0, kerror.ErrNotSupported
}
