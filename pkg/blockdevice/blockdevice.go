/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blockdevice enumerates /sys/block entries and sizes them, so a
// connector can diff the device tree before and after an attach to find the
// device Nova or os-brick just created.
package blockdevice

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysBlockGlob = "/sys/block/*"

// bytesPerGiB converts a byte count to GiB. SizeGiB reads each device's
// queue/hw_sector_size rather than assuming a fixed sector size.
const bytesPerGiB = 1 << 30

// Scanner enumerates and sizes /sys/block entries.
type Scanner struct {
	root string
}

// New returns a Scanner rooted at the real sysfs.
func New() *Scanner {
	return &Scanner{root: "/sys/block"}
}

// NewWithRoot returns a Scanner rooted at an arbitrary directory, for tests.
func NewWithRoot(root string) *Scanner {
	return &Scanner{root: root}
}

// Scan returns the set of /sys/block/* paths currently present, as a set
// keyed by the sysfs path (not /dev path) so callers can diff two scans with
// plain map membership.
func (s *Scanner) Scan() (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*"))
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(matches))
	for _, m := range matches {
		set[m] = true
	}
	return set, nil
}

// Diff returns the sysfs paths present in after but not in before.
func Diff(before, after map[string]bool) []string {
	var added []string
	for p := range after {
		if !before[p] {
			added = append(added, p)
		}
	}
	return added
}

// DevicePath converts a /sys/block/<name> path into its /dev/<name>
// counterpart.
func DevicePath(sysBlockPath string) string {
	return strings.Replace(sysBlockPath, "/sys/block", "/dev", 1)
}

// SizeGiB returns the size, in GiB, of the device at the given /sys/block
// path, computed from its size (in 512-byte sectors, per the kernel's
// block-layer convention) and hw_sector_size files.
func (s *Scanner) SizeGiB(sysBlockPath string) (float64, error) {
	nrSectors, err := readUintFile(filepath.Join(sysBlockPath, "size"))
	if err != nil {
		return 0, err
	}
	sectorSize, err := readUintFile(filepath.Join(sysBlockPath, "queue", "hw_sector_size"))
	if err != nil {
		return 0, err
	}
	return float64(nrSectors) * float64(sectorSize) / bytesPerGiB, nil
}

func readUintFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}

// StatFree reports free and total bytes for the filesystem mounted at path.
func StatFree(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	return st.Bfree * uint64(st.Bsize), st.Blocks * uint64(st.Bsize), nil
}
