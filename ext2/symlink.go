// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import "fmt"

// ReadLink returns a symlink's target, from the inline i_block bytes or,
// for targets ≥60 bytes, via the node's normal read path.
func (o *FSObject) ReadLink() (string, error) {
	if o.Kind != KindSymlink {
		return "", fmt.Errorf("ext2: readlink on non-symlink inode %d", o.Ino)
	}
	in := o.Node.Inode
	if in.isInlineSymlink() {
		return string(inlineBytes(in)), nil
	}
	buf := make([]byte, in.Size)
	n, err := o.Node.Read(0, uint64(in.Size), buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
