// Copyright (c) 2026 SyncR Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package fsserver

import (
	"fmt"
	"io/fs"
	"syscall"
)

// fileOwner extracts POSIX uid/gid from a FileInfo's underlying stat
// struct. Returns (0, 0) if the platform's Sys() isn't a *syscall.Stat_t.
func fileOwner(info fs.FileInfo) (uid, gid uint32) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, st.Gid
}

// changeTime extracts the POSIX ctime (seconds since epoch) from a
// FileInfo. Falls back to ModTime if the platform's Sys() isn't a
// *syscall.Stat_t.
func changeTime(info fs.FileInfo) int64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime().Unix()
	}
	return st.Ctim.Sec
}

// fsTypeNames maps the statfs magic numbers of filesystems worth
// recognizing by name. Anything else reports as the raw magic in hex.
var fsTypeNames = map[int64]string{
	0xef53:     "ext4",
	0x9123683e: "btrfs",
	0x58465342: "xfs",
	0x2fc12fc1: "zfs",
	0x6969:     "nfs",
	0x01021994: "tmpfs",
	0x65735546: "fuse",
	0x794c7630: "overlayfs",
}

// filesystemType best-effort identifies the filesystem backing root.
// Empty on probe failure.
func filesystemType(root string) string {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return ""
	}
	if name, ok := fsTypeNames[int64(st.Type)]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", st.Type)
}
