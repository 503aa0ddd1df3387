// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package diskspaceutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const _rootDir = "/"

// DiskUsage describes the space of the filesystem containing some path.
type DiskUsage struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
	// Util is the used percentage of TotalBytes.
	Util float64
}

// Usage returns the disk usage of the root filesystem.
func Usage() (DiskUsage, error) {
	return UsageOf(_rootDir)
}

// UsageOf returns the disk usage of the filesystem containing path. Free bytes
// are the bytes available to unprivileged users.
func UsageOf(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %s", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	used := total - st.Bfree*bsize
	u := DiskUsage{
		TotalBytes: total,
		FreeBytes:  st.Bavail * bsize,
		UsedBytes:  used,
	}
	if total > 0 {
		u.Util = float64(used) / float64(total) * 100
	}
	return u, nil
}
