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

package connector

import (
	"context"
	"fmt"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
)

// ConnectionInfo is what Cinder's initialize_connection call returns: the
// local initiator driver to use, plus its connection data.
type ConnectionInfo struct {
	DriverVolumeType string
	Data             map[string]string
}

// CinderAttachments is the subset of the Cinder client OsBrickConnector
// needs for the reserve/initialize/attach/detach/unreserve sequence.
type CinderAttachments interface {
	Reserve(ctx context.Context, volumeID string) error
	Unreserve(ctx context.Context, volumeID string) error
	InitializeConnection(ctx context.Context, volumeID string, connectorProps map[string]string) (ConnectionInfo, error)
	AttachLocal(ctx context.Context, volumeID, hostName, mountpointHint string) (attachmentID string, err error)
	DetachLocal(ctx context.Context, volumeID, attachmentID string) error
	FindAttachmentByHost(ctx context.Context, volumeID, hostName string) (attachmentID string, err error)
}

// LocalInitiator connects/disconnects the host-local transport (iSCSI,
// RBD, FC, ...) named by a ConnectionInfo.DriverVolumeType.
type LocalInitiator interface {
	ConnectVolume(ctx context.Context, data map[string]string) (devicePath string, err error)
	DisconnectVolume(ctx context.Context, data map[string]string) error
	ConnectorProperties() map[string]string
}

// InitiatorFactory resolves a driver_volume_type string to a LocalInitiator.
type InitiatorFactory func(driverVolumeType string) (LocalInitiator, error)

// OsBrickConnector attaches Cinder volumes through Cinder's
// initialize_connection handshake and a local host-side initiator, the way
// os-brick does in the Python daemon this was ported from.
type OsBrickConnector struct {
	cinder    CinderAttachments
	initiator InitiatorFactory
	exec      executor.Interface
	hostName  string
}

var _ Interface = &OsBrickConnector{}

// NewOsBrickConnector returns an OsBrickConnector.
func NewOsBrickConnector(cinder CinderAttachments, initiator InitiatorFactory, exec executor.Interface, hostName string) *OsBrickConnector {
	return &OsBrickConnector{cinder: cinder, initiator: initiator, exec: exec, hostName: hostName}
}

// Connect reserves the volume, opens a connection through the matching
// local initiator, and symlinks the resulting device under
// /dev/disk/by-id. Any failure after the reserve rolls back via
// disconnect-then-unreserve before the error is returned.
func (c *OsBrickConnector) Connect(ctx context.Context, volumeID string, _ float64, opts ConnectOpts) (path string, err error) {
	if err := c.cinder.Reserve(ctx, volumeID); err != nil {
		return "", err
	}

	var info ConnectionInfo
	defer func() {
		if err != nil {
			if info.Data != nil {
				if init, ierr := c.initiator(info.DriverVolumeType); ierr == nil {
					if derr := init.DisconnectVolume(ctx, info.Data); derr != nil {
						klog.Warningf("rollback disconnect for volume %s failed: %v", volumeID, derr)
					}
				}
			}
			if uerr := c.cinder.Unreserve(ctx, volumeID); uerr != nil {
				klog.Warningf("rollback unreserve for volume %s failed: %v", volumeID, uerr)
			}
		}
	}()

	init, err := c.resolveInitiator(volumeID)
	if err != nil {
		return "", err
	}
	info, err = c.cinder.InitializeConnection(ctx, volumeID, init.ConnectorProperties())
	if err != nil {
		return "", err
	}

	localInit, err := c.initiator(info.DriverVolumeType)
	if err != nil {
		return "", err
	}

	devicePath, err := localInit.ConnectVolume(ctx, info.Data)
	if err != nil {
		return "", err
	}

	realPath, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		realPath = devicePath
	}

	link := linkDir + volumeID
	if _, _, err := c.exec.Run([]string{"ln", "-s", realPath, link}, true); err != nil {
		return "", fmt.Errorf("symlinking %s to %s: %w", link, realPath, err)
	}

	if _, err := c.cinder.AttachLocal(ctx, volumeID, c.hostName, opts.MountpointHint); err != nil {
		return "", err
	}

	return link, nil
}

// resolveInitiator returns the local initiator used for volumeID. volumeID
// is not consulted: the same generic initiator is returned for every volume.
func (c *OsBrickConnector) resolveInitiator(volumeID string) (LocalInitiator, error) {
	// The connector properties (initiator IQN, multipath support, etc.)
	// are host-local and do not depend on the driver_volume_type Cinder
	// eventually picks, so any initiator instance can report them.
	return c.initiator("")
}

// Disconnect removes the stable symlink, re-opens the connection to learn
// its data again, disconnects the local initiator, then detaches through
// Cinder.
func (c *OsBrickConnector) Disconnect(ctx context.Context, volumeID string) error {
	link := linkDir + volumeID
	if _, _, err := c.exec.Run([]string{"rm", "-f", link}, true); err != nil {
		klog.Warningf("best-effort removal of %s failed: %v", link, err)
	}

	init, err := c.resolveInitiator(volumeID)
	if err != nil {
		return err
	}
	info, err := c.cinder.InitializeConnection(ctx, volumeID, init.ConnectorProperties())
	if err != nil {
		return err
	}

	localInit, err := c.initiator(info.DriverVolumeType)
	if err != nil {
		return err
	}
	if err := localInit.DisconnectVolume(ctx, info.Data); err != nil {
		return err
	}

	attachmentID, err := c.cinder.FindAttachmentByHost(ctx, volumeID, c.hostName)
	if err != nil {
		return err
	}
	return c.cinder.DetachLocal(ctx, volumeID, attachmentID)
}

// DevicePath returns the stable symlink path for volumeID.
func (c *OsBrickConnector) DevicePath(volumeID string) string {
	return linkDir + volumeID
}
