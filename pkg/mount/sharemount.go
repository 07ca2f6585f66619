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

package mount

import (
	"context"
	"fmt"
	"strings"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
)

// ShareMounter mounts and unmounts a Manila export (NFS, CIFS, GLUSTERFS)
// under a local mountpoint via mount(8)/umount(8), the way os-brick's
// remotefs connectors do for the Python daemon this was ported from.
type ShareMounter struct {
	exec executor.Interface
}

// NewShareMounter returns a ShareMounter that shells out through exec.
func NewShareMounter(exec executor.Interface) *ShareMounter {
	return &ShareMounter{exec: exec}
}

// MountShare creates mountpoint if needed and mounts export onto it with
// the given protocol as the mount(8) -t argument. Idempotent: mounting an
// already-mounted target is left to mount(8) itself to reject or no-op.
func (s *ShareMounter) MountShare(ctx context.Context, protocol, export, mountpoint string) error {
	if _, _, err := s.exec.Run([]string{"mkdir", "-p", mountpoint}, true); err != nil {
		return fmt.Errorf("creating mountpoint %s: %w", mountpoint, err)
	}

	argv := []string{"mount", "-t", strings.ToLower(protocol), export, mountpoint}
	if _, stderr, err := s.exec.Run(argv, true); err != nil {
		return fmt.Errorf("%w: %s", mountErr, stderr)
	}
	return nil
}

// UnmountShare unmounts mountpoint.
func (s *ShareMounter) UnmountShare(ctx context.Context, mountpoint string) error {
	if _, stderr, err := s.exec.Run([]string{"umount", mountpoint}, true); err != nil {
		return fmt.Errorf("%w: %s", unmountErr, stderr)
	}
	return nil
}

// MountpointForExport reads /proc/mounts and returns the mountpoint export
// is currently mounted on, or "" if it isn't mounted. Callers must not cache
// the result: it is a live lookup, the same way MountpointsForDevice is for
// Cinder-attached devices.
func (s *ShareMounter) MountpointForExport(export string) (string, error) {
	mounts, err := readProcMounts(nil, nil)
	if err != nil {
		return "", err
	}
	for _, mi := range mounts {
		if mi.Device == export {
			return mi.Mountpoint, nil
		}
	}
	return "", nil
}
