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

	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumeactions"

	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/metrics"
)

var _ connector.CinderAttachments = &CinderClient{}

// Reserve marks a volume reserved for attachment, the first step of the
// os-brick reserve/initialize_connection/attach sequence.
func (c *CinderClient) Reserve(ctx context.Context, volumeID string) error {
	mc := metrics.NewContext("volume", "reserve")
	return mc.Observe(volumeactions.Reserve(ctx, c.blockstorage, volumeID).ExtractErr())
}

// Unreserve releases a reservation taken by Reserve.
func (c *CinderClient) Unreserve(ctx context.Context, volumeID string) error {
	mc := metrics.NewContext("volume", "unreserve")
	return mc.Observe(volumeactions.Unreserve(ctx, c.blockstorage, volumeID).ExtractErr())
}

func toStringMap(raw map[string]interface{}) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// InitializeConnection asks Cinder for the connection data a local
// initiator needs to attach volumeID over the driver's transport.
func (c *CinderClient) InitializeConnection(ctx context.Context, volumeID string, connectorProps map[string]string) (connector.ConnectionInfo, error) {
	raw := make(map[string]interface{}, len(connectorProps))
	for k, v := range connectorProps {
		raw[k] = v
	}

	mc := metrics.NewContext("volume", "initialize_connection")
	data, err := volumeactions.InitializeConnection(ctx, c.blockstorage, volumeID, &volumeactions.InitializeConnectionOpts{
		Connector: raw,
	}).Extract()
	if mc.Observe(err) != nil {
		return connector.ConnectionInfo{}, err
	}

	info, ok := data["connection_info"].(map[string]interface{})
	if !ok {
		info = data
	}

	driverVolumeType, _ := info["driver_volume_type"].(string)
	connData, _ := info["data"].(map[string]interface{})

	return connector.ConnectionInfo{
		DriverVolumeType: driverVolumeType,
		Data:             toStringMap(connData),
	}, nil
}

// AttachLocal records a host-local attachment against volumeID in Cinder
// and returns the resulting attachment ID.
func (c *CinderClient) AttachLocal(ctx context.Context, volumeID, hostName, mountpointHint string) (string, error) {
	mc := metrics.NewContext("volume", "attach_local")
	err := volumeactions.Attach(ctx, c.blockstorage, volumeID, volumeactions.AttachOpts{
		HostName:   hostName,
		MountPoint: mountpointHint,
		Mode:       "rw",
	}).ExtractErr()
	if mc.Observe(err) != nil {
		return "", err
	}
	return c.FindAttachmentByHost(ctx, volumeID, hostName)
}

// DetachLocal tears down a host-local attachment in Cinder and releases
// its reservation.
func (c *CinderClient) DetachLocal(ctx context.Context, volumeID, attachmentID string) error {
	mc := metrics.NewContext("volume", "detach_local")
	if err := mc.Observe(volumeactions.Detach(ctx, c.blockstorage, volumeID, volumeactions.DetachOpts{
		AttachmentID: attachmentID,
	}).ExtractErr()); err != nil {
		return err
	}
	return c.Unreserve(ctx, volumeID)
}

// FindAttachmentByHost returns the attachment ID of volumeID's attachment
// on hostName, if any.
func (c *CinderClient) FindAttachmentByHost(ctx context.Context, volumeID, hostName string) (string, error) {
	vol, err := c.GetVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	for _, att := range vol.Attachments {
		if att.HostName == hostName {
			return att.AttachmentID, nil
		}
	}
	return "", fmt.Errorf("%w: no attachment on host %s for volume %s", fuxierrors.ErrNotFound, hostName, volumeID)
}
