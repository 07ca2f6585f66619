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

// Package mount parses /proc/mounts and drives mkfs/mount/umount through an
// injected executor.Interface. /proc/mounts is the single source of truth
// for mount state; MountInfo values are ephemeral snapshots, never cached.
package mount

import (
	"bufio"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
)

const procMountsPath = "/proc/mounts"

// MountInfo is a single parsed /proc/mounts record.
type MountInfo struct {
	Device     string
	Mountpoint string
	Fstype     string
	Opts       string
}

// Interface is the Mounter contract from spec.md §4.2.
type Interface interface {
	ReadMounts(filterDevices, filterFstypes map[string]bool) ([]MountInfo, error)
	MountpointsForDevice(device string) ([]string, error)
	IsMounted(device, mountpoint string) (bool, error)
	MakeFilesystem(device, fstype string) error
	Mount(device, mountpoint, fstype string) error
	Unmount(target string) error
	DoMount(device, mountpoint, fstype string) error
}

// Mounter is the production Interface implementation.
type Mounter struct {
	exec executor.Interface
}

var _ Interface = &Mounter{}

// New returns a Mounter that shells out through exec.
func New(exec executor.Interface) *Mounter {
	return &Mounter{exec: exec}
}

// ReadMounts reads /proc/mounts, skipping blank lines and lines with fewer
// than four fields, and excludes entries whose device is in filterDevices
// or whose fstype is in filterFstypes. Order is preserved.
func (m *Mounter) ReadMounts(filterDevices, filterFstypes map[string]bool) ([]MountInfo, error) {
	return readProcMounts(filterDevices, filterFstypes)
}

// readProcMounts is the shared /proc/mounts scan behind Mounter.ReadMounts
// and ShareMounter.MountpointForExport: both need a live, uncached read of
// the same table.
func readProcMounts(filterDevices, filterFstypes map[string]bool) ([]MountInfo, error) {
	f, err := openProcMounts()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []MountInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if filterDevices[fields[0]] || filterFstypes[fields[2]] {
			continue
		}
		mounts = append(mounts, MountInfo{
			Device:     fields[0],
			Mountpoint: fields[1],
			Fstype:     fields[2],
			Opts:       fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mounts, nil
}

// MountpointsForDevice returns every mountpoint currently mounting device.
func (m *Mounter) MountpointsForDevice(device string) ([]string, error) {
	mounts, err := m.ReadMounts(nil, nil)
	if err != nil {
		return nil, err
	}
	var mps []string
	for _, mi := range mounts {
		if mi.Device == device {
			mps = append(mps, mi.Mountpoint)
		}
	}
	return mps, nil
}

// IsMounted reports whether some MountInfo matches both device and
// mountpoint exactly.
func (m *Mounter) IsMounted(device, mountpoint string) (bool, error) {
	mounts, err := m.ReadMounts(nil, nil)
	if err != nil {
		return false, err
	}
	for _, mi := range mounts {
		if mi.Device == device && mi.Mountpoint == mountpoint {
			return true, nil
		}
	}
	return false, nil
}

// MakeFilesystem runs mkfs -t <fstype> -F <device> as root.
func (m *Mounter) MakeFilesystem(device, fstype string) error {
	_, stderr, err := m.exec.Run([]string{"mkfs", "-t", fstype, "-F", device}, true)
	if err != nil {
		return fmt.Errorf("%w: %s", makeFilesystemErr, stderr)
	}
	return nil
}

// Mount runs mount [-t <fstype>] <device> <mountpoint> as root.
func (m *Mounter) Mount(device, mountpoint, fstype string) error {
	argv := []string{"mount"}
	if fstype != "" {
		argv = append(argv, "-t", fstype)
	}
	argv = append(argv, device, mountpoint)

	_, stderr, err := m.exec.Run(argv, true)
	if err != nil {
		return fmt.Errorf("%w: %s", mountErr, stderr)
	}
	return nil
}

// Unmount runs umount <target>.
func (m *Mounter) Unmount(target string) error {
	_, stderr, err := m.exec.Run([]string{"umount", target}, true)
	if err != nil {
		return fmt.Errorf("%w: %s", unmountErr, stderr)
	}
	return nil
}

// DoMount mounts device at mountpoint unless already mounted there. A
// MountError triggers exactly one make-filesystem-then-remount attempt; a
// second failure is fatal. A device that is already mounted is never
// reformatted.
func (m *Mounter) DoMount(device, mountpoint, fstype string) error {
	mounted, err := m.IsMounted(device, mountpoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := m.Mount(device, mountpoint, fstype); err == nil {
		return nil
	}

	klog.V(3).Infof("mount of %s at %s failed, attempting mkfs -t %s and retrying", device, mountpoint, fstype)

	if err := m.MakeFilesystem(device, fstype); err != nil {
		return err
	}
	return m.Mount(device, mountpoint, fstype)
}
