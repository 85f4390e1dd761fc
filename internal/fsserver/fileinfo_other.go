// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package fsserver

import "io/fs"

// fileOwner has no portable POSIX uid/gid source outside Linux stat
// structs; non-Linux builds report the conservative default.
func fileOwner(info fs.FileInfo) (uid, gid uint32) {
	return 0, 0
}

func changeTime(info fs.FileInfo) int64 {
	return info.ModTime().Unix()
}

func filesystemType(root string) string {
	return ""
}
