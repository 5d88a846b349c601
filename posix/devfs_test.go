// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import "testing"

func TestDevFSRegisterLookup(t *testing.T) {
	fs := NewDevFS()
	fs.Register("/dev/null", NullDevice{})
	fs.Register("/dev/zero", ZeroDevice{})

	if _, err := fs.Lookup("/dev/missing"); err == nil {
		t.Fatalf("Lookup(missing) succeeded, want EDoesNotExist")
	}

	dev, err := fs.Lookup("/dev/null")
	if err != nil {
		t.Fatal(err)
	}
	n, err := dev.Write([]byte("discarded"))
	if err != nil || n != len("discarded") {
		t.Fatalf("NullDevice.Write() = %d, %v, want %d, nil", n, err, len("discarded"))
	}
	buf := make([]byte, 4)
	n, err = dev.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("NullDevice.Read() = %d, %v, want 0, nil", n, err)
	}
}

func TestZeroDeviceFillsZero(t *testing.T) {
	dev := ZeroDevice{}
	buf := []byte{1, 2, 3, 4}
	n, err := dev.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("ZeroDevice.Read() = %d, %v, want 4, nil", n, err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatalf("ZeroDevice.Read() left nonzero byte: %v", buf)
		}
	}
}
