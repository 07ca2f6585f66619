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
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/blockdevice"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/executor"
	"github.com/openstack/docker-volume-fuxi/pkg/statemonitor"
)

const (
	deviceScanDelay   = 300 * time.Millisecond
	deviceScanTimeout = 10 * time.Second

	linkDir = "/dev/disk/by-id/"
)

// CinderVolumes is the subset of the Cinder client NovaAttachConnector
// needs: attach/detach through the compute API, plus a status fetch for
// StateMonitor.
type CinderVolumes interface {
	AttachVolume(ctx context.Context, instanceID, volumeID string) (string, error)
	DetachVolume(ctx context.Context, instanceID, volumeID string) error
	VolumeStatus(ctx context.Context, volumeID string) (string, error)
}

// attachMu serializes the whole connect sequence process-wide: concurrent
// attaches race on the before/after /sys/block diff and would otherwise
// size-match the wrong new device to the wrong volume.
var attachMu sync.Mutex

// NovaAttachConnector attaches Cinder volumes via the Nova compute API and
// discovers the resulting device by diffing /sys/block before and after.
type NovaAttachConnector struct {
	cinder     CinderVolumes
	scanner    *blockdevice.Scanner
	exec       executor.Interface
	instanceID string
}

var _ Interface = &NovaAttachConnector{}

// NewNovaAttachConnector returns a NovaAttachConnector for the given local
// compute instance ID.
func NewNovaAttachConnector(cinder CinderVolumes, scanner *blockdevice.Scanner, exec executor.Interface, instanceID string) *NovaAttachConnector {
	return &NovaAttachConnector{cinder: cinder, scanner: scanner, exec: exec, instanceID: instanceID}
}

// Connect attaches volumeID to this instance and returns the stable
// /dev/disk/by-id symlink path.
func (c *NovaAttachConnector) Connect(ctx context.Context, volumeID string, sizeGiB float64, _ ConnectOpts) (string, error) {
	attachTicket := uuid.NewString()
	klog.V(4).Infof("attach %s: acquiring %s", attachTicket, "openstack-attach-volume")
	attachMu.Lock()
	defer attachMu.Unlock()

	before, err := c.scanner.Scan()
	if err != nil {
		return "", err
	}

	if _, err := c.cinder.AttachVolume(ctx, c.instanceID, volumeID); err != nil {
		return "", err
	}

	mon := statemonitor.New(func() (string, error) {
		return c.cinder.VolumeStatus(ctx, volumeID)
	}, "in-use", []string{"available", "attaching"})
	if _, err := mon.Wait(); err != nil {
		return "", err
	}

	devSysPath, err := c.waitForNewDevice(before, sizeGiB)
	if err != nil {
		return "", err
	}

	devPath := blockdevice.DevicePath(devSysPath)
	link := linkDir + volumeID

	if _, _, err := c.exec.Run([]string{"ln", "-s", devPath, link}, true); err != nil {
		return "", fmt.Errorf("symlinking %s to %s: %w", link, devPath, err)
	}

	klog.V(2).Infof("attach %s: volume %s attached to instance %s at %s (%s)", attachTicket, volumeID, c.instanceID, devPath, link)
	return link, nil
}

// waitForNewDevice polls /sys/block until a device absent from before
// appears whose size matches sizeGiB, or until deviceScanTimeout elapses.
func (c *NovaAttachConnector) waitForNewDevice(before map[string]bool, sizeGiB float64) (string, error) {
	var found string
	pollCtx, cancel := context.WithTimeout(context.Background(), deviceScanTimeout)
	defer cancel()

	err := wait.PollUntilContextTimeout(pollCtx, deviceScanDelay, deviceScanTimeout, true, func(ctx context.Context) (bool, error) {
		after, err := c.scanner.Scan()
		if err != nil {
			return false, err
		}
		for _, sysPath := range blockdevice.Diff(before, after) {
			size, err := c.scanner.SizeGiB(sysPath)
			if err != nil {
				klog.V(4).Infof("could not size candidate device %s: %v", sysPath, err)
				continue
			}
			if sizesMatch(size, sizeGiB) {
				found = sysPath
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: no new device matching size %.2f GiB appeared within %s", fuxierrors.ErrDeviceNotFound, sizeGiB, deviceScanTimeout)
	}
	return found, nil
}

func sizesMatch(a, b float64) bool {
	const epsilon = 0.01
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < epsilon
}

// Disconnect removes the stable symlink (best-effort) and detaches the
// volume through the compute API.
func (c *NovaAttachConnector) Disconnect(ctx context.Context, volumeID string) error {
	link := linkDir + volumeID
	if _, _, err := c.exec.Run([]string{"rm", "-f", link}, true); err != nil {
		klog.Warningf("best-effort removal of %s failed: %v", link, err)
	}

	if err := c.cinder.DetachVolume(ctx, c.instanceID, volumeID); err != nil {
		return err
	}

	mon := statemonitor.New(func() (string, error) {
		return c.cinder.VolumeStatus(ctx, volumeID)
	}, "available", []string{"in-use", "detaching"})
	_, err := mon.Wait()
	return err
}

// DevicePath returns the stable symlink path this connector would create
// for volumeID.
func (c *NovaAttachConnector) DevicePath(volumeID string) string {
	return linkDir + volumeID
}
