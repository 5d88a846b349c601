// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsadapt

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pedigree-go/ext2kernel/ext2"
)

// Mount serves an already probed ext2 filesystem at dir via FUSE, mirroring
// fs.Mount's loopback-filesystem convenience wrapper but backed by the
// ext2 package instead of the host's own filesystem calls.
func Mount(dir string, filesystem *ext2.Filesystem, readOnly bool, debug bool) (*fuse.Server, error) {
	root, err := NewRoot(filesystem)
	if err != nil {
		return nil, err
	}

	oneSec := time.Second
	opts := &fs.Options{
		EntryTimeout: &oneSec,
		AttrTimeout:  &oneSec,
	}
	opts.MountOptions = fuse.MountOptions{
		Debug:      debug,
		FsName:     "ext2kernel",
		Name:       "ext2",
		AllowOther: false,
	}
	if readOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}

	return fs.Mount(dir, root, opts)
}
