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

package openstack

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/volumeattach"
	"k8s.io/klog/v2"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/metrics"
)

const cinderListNameMicroversion = "3.34"

// CinderClient is the narrow Cinder/Nova surface the Cinder provider and
// the Nova-attach and os-brick connectors call.
type CinderClient struct {
	blockstorage *gophercloud.ServiceClient
	compute      *gophercloud.ServiceClient
}

// NewCinderClient builds a CinderClient from already-constructed block
// storage and compute service clients.
func NewCinderClient(blockstorage, compute *gophercloud.ServiceClient) *CinderClient {
	return &CinderClient{blockstorage: blockstorage, compute: compute}
}

// CreateVolume creates a Cinder volume.
func (c *CinderClient) CreateVolume(ctx context.Context, opts volumes.CreateOptsBuilder) (*volumes.Volume, error) {
	mc := metrics.NewContext("volume", "create")
	vol, err := volumes.Create(ctx, c.blockstorage, opts, nil).Extract()
	if mc.Observe(err) != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusRequestEntityTooLarge) {
			return nil, fmt.Errorf("%w: %v", fuxierrors.ErrQuotaExceeded, err)
		}
		return nil, err
	}
	return vol, nil
}

// GetVolume retrieves a volume by ID.
func (c *CinderClient) GetVolume(ctx context.Context, volumeID string) (*volumes.Volume, error) {
	mc := metrics.NewContext("volume", "get")
	vol, err := volumes.Get(ctx, c.blockstorage, volumeID).Extract()
	if mc.Observe(err) != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: volume %s", fuxierrors.ErrNotFound, volumeID)
		}
		return nil, err
	}
	return vol, nil
}

// GetVolumesByName lists every volume with the given display name.
func (c *CinderClient) GetVolumesByName(ctx context.Context, name string) ([]volumes.Volume, error) {
	mc := metrics.NewContext("volume", "list_by_name")
	c.blockstorage.Microversion = cinderListNameMicroversion
	pages, err := volumes.List(c.blockstorage, volumes.ListOpts{Name: name}).AllPages(ctx)
	if mc.Observe(err) != nil {
		return nil, err
	}
	return volumes.ExtractVolumes(pages)
}

// GetVolumeByName returns the single volume matching name, erroring if zero
// or more than one volume matches.
func (c *CinderClient) GetVolumeByName(ctx context.Context, name string) (*volumes.Volume, error) {
	vols, err := c.GetVolumesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: volume %q", fuxierrors.ErrNotFound, name)
	}
	if len(vols) > 1 {
		return nil, fmt.Errorf("%w: %d volumes named %q", fuxierrors.ErrTooManyResources, len(vols), name)
	}
	return &vols[0], nil
}

// ListVolumes lists every volume visible to the project.
func (c *CinderClient) ListVolumes(ctx context.Context) ([]volumes.Volume, error) {
	mc := metrics.NewContext("volume", "list")
	pages, err := volumes.List(c.blockstorage, nil).AllPages(ctx)
	if mc.Observe(err) != nil {
		return nil, err
	}
	return volumes.ExtractVolumes(pages)
}

// VolumeStatus fetches just the status field of a volume, for
// StateMonitor-driven polling.
func (c *CinderClient) VolumeStatus(ctx context.Context, volumeID string) (string, error) {
	vol, err := c.GetVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	return vol.Status, nil
}

// SetMetadata merges metadata into a volume's existing metadata.
func (c *CinderClient) SetMetadata(ctx context.Context, volumeID string, metadata map[string]string) error {
	mc := metrics.NewContext("volume", "set_metadata")
	_, err := volumes.UpdateMetadata(ctx, c.blockstorage, volumeID, volumes.MetadataOpts(metadata)).Extract()
	return mc.Observe(err)
}

// DeleteVolume deletes a volume by ID. A 404 is treated as success.
func (c *CinderClient) DeleteVolume(ctx context.Context, volumeID string) error {
	mc := metrics.NewContext("volume", "delete")
	err := volumes.Delete(ctx, c.blockstorage, volumeID, nil).ExtractErr()
	if err != nil && !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return mc.Observe(err)
	}
	mc.Observe(nil)
	return nil
}

// AttachVolume attaches volumeID to instanceID via Nova, returning the
// volume ID. It is idempotent: a volume already attached to instanceID is
// treated as success rather than re-attached.
func (c *CinderClient) AttachVolume(ctx context.Context, instanceID, volumeID string) (string, error) {
	vol, err := c.GetVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}

	for _, att := range vol.Attachments {
		if att.ServerID == instanceID {
			klog.V(4).Infof("volume %s already attached to instance %s", volumeID, instanceID)
			return vol.ID, nil
		}
	}

	mc := metrics.NewContext("attachment", "create")
	_, err = volumeattach.Create(ctx, c.compute, instanceID, &volumeattach.CreateOpts{
		VolumeID: vol.ID,
	}).Extract()
	if mc.Observe(err) != nil {
		return "", fmt.Errorf("attaching volume %s to instance %s: %w", volumeID, instanceID, err)
	}
	return vol.ID, nil
}

// DetachVolume detaches volumeID from instanceID via Nova.
func (c *CinderClient) DetachVolume(ctx context.Context, instanceID, volumeID string) error {
	vol, err := c.GetVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	for _, att := range vol.Attachments {
		if att.ServerID == instanceID {
			mc := metrics.NewContext("attachment", "delete")
			if err := volumeattach.Delete(ctx, c.compute, instanceID, vol.ID).ExtractErr(); mc.Observe(err) != nil {
				return fmt.Errorf("detaching volume %s from instance %s: %w", volumeID, instanceID, err)
			}
			return nil
		}
	}

	klog.V(3).Infof("volume %s has no attachment to instance %s, nothing to detach", volumeID, instanceID)
	return nil
}
