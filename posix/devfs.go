// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"sync"
)

// CharDevice is a registered character-device handler: the actual /dev/null, /dev/urandom etc. drivers
// are external collaborators, but the registry that looks one
// up by path and dispatches read/write is in-scope plumbing.
type CharDevice interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

// DevFS is the minimal character-device registry.
type DevFS struct {
	mu      sync.RWMutex
	devices map[string]CharDevice
}

func NewDevFS() *DevFS {
	return &DevFS{devices: make(map[string]CharDevice)}
}

// Register installs dev under path (e.g. "/dev/null").
func (d *DevFS) Register(path string, dev CharDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[path] = dev
}

// Lookup returns the device registered at path.
func (d *DevFS) Lookup(path string) (CharDevice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[path]
	if !ok {
		return nil, fmt.Errorf("posix: %s: %w", path, EDoesNotExist)
	}
	return dev, nil
}

// NullDevice implements /dev/null's read/write semantics: reads return
// EOF immediately, writes are discarded and report full length written.
type NullDevice struct{}

func (NullDevice) Read([]byte) (int, error)      { return 0, nil }
func (NullDevice) Write(src []byte) (int, error) { return len(src), nil }

// ZeroDevice implements /dev/zero: reads fill dst with zero bytes,
// writes are discarded like NullDevice.
type ZeroDevice struct{}

func (ZeroDevice) Read(dst []byte) (int, error) {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst), nil
}
func (ZeroDevice) Write(src []byte) (int, error) { return len(src), nil }
