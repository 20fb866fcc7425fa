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

// Package dev is the device registry: a bounded table mapping a device
// name and instance number to an open function.
package dev

import (
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
)

// NDEV bounds the registry.
const NDEV = 16

// OpenFn opens a device instance, returning an endpoint with a
// reference for the caller.
type OpenFn func(aux any) (kio.IO, error)

type entry struct {
	name   string
	instno int
	open   OpenFn
	aux    any
}

var devtab [NDEV]entry

// Reset clears the registry.
func Reset() {
	devtab = [NDEV]entry{}
}

// Register adds a device under name and returns its instance number,
// which counts prior registrations of the same name.
func Register(name string, open OpenFn, aux any) (int, error) {
	if name == "" || open == nil {
		return 0, kerror.ErrInvalid
	}
	instno := 0
	slot := -1
	for i := range devtab {
		if devtab[i].open == nil {
			if slot < 0 {
				slot = i
			}
			continue
		}
		if devtab[i].name == name {
			instno++
		}
	}
	if slot < 0 {
		return 0, kerror.ErrNoMem
	}
	devtab[slot] = entry{name: name, instno: instno, open: open, aux: aux}
	log.WithFields(log.Fields{"name": name, "instno": instno}).Debug("dev: registered")
	return instno, nil
}

// Open opens instance instno of the named device.
func Open(name string, instno int) (kio.IO, error) {
	for i := range devtab {
		if devtab[i].open != nil && devtab[i].name == name && devtab[i].instno == instno {
			return devtab[i].open(devtab[i].aux)
		}
	}
	return nil, kerror.ErrNotFound
}
