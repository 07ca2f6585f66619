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

	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"

	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

// CinderBackend adapts CinderClient's gophercloud-shaped methods to
// provider.CinderBackend's cloud-agnostic LogicalVolume/CreateVolumeOpts
// model, so CinderProvider never imports gophercloud directly.
type CinderBackend struct {
	client *CinderClient
}

// NewCinderBackend wraps client as a provider.CinderBackend.
func NewCinderBackend(client *CinderClient) *CinderBackend {
	return &CinderBackend{client: client}
}

func toLogicalVolume(v volumes.Volume) provider.LogicalVolume {
	attachments := make([]provider.Attachment, 0, len(v.Attachments))
	for _, a := range v.Attachments {
		attachments = append(attachments, provider.Attachment{ServerID: a.ServerID})
	}
	return provider.LogicalVolume{
		ID:          v.ID,
		Name:        v.Name,
		SizeGiB:     float64(v.Size),
		Status:      v.Status,
		Attachments: attachments,
		Multiattach: v.Multiattach,
		Metadata:    v.Metadata,
	}
}

func (b *CinderBackend) GetVolumesByName(ctx context.Context, name string) ([]provider.LogicalVolume, error) {
	vols, err := b.client.GetVolumesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]provider.LogicalVolume, 0, len(vols))
	for _, v := range vols {
		out = append(out, toLogicalVolume(v))
	}
	return out, nil
}

func (b *CinderBackend) ListVolumes(ctx context.Context) ([]provider.LogicalVolume, error) {
	vols, err := b.client.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.LogicalVolume, 0, len(vols))
	for _, v := range vols {
		out = append(out, toLogicalVolume(v))
	}
	return out, nil
}

func (b *CinderBackend) GetVolume(ctx context.Context, id string) (provider.LogicalVolume, error) {
	v, err := b.client.GetVolume(ctx, id)
	if err != nil {
		return provider.LogicalVolume{}, err
	}
	return toLogicalVolume(*v), nil
}

func (b *CinderBackend) CreateVolume(ctx context.Context, opts provider.CreateVolumeOpts) (provider.LogicalVolume, error) {
	v, err := b.client.CreateVolume(ctx, volumes.CreateOpts{
		Name:               opts.Name,
		Size:               opts.SizeGiB,
		ConsistencyGroupID: opts.ConsistencyGroupID,
		SnapshotID:         opts.SnapshotID,
		SourceVolID:        opts.SourceVolID,
		Description:        opts.Description,
		VolumeType:         opts.VolumeType,
		AvailabilityZone:   opts.AvailabilityZone,
		SchedulerHints:     opts.SchedulerHints,
		SourceReplica:      opts.SourceReplica,
		Multiattach:        opts.Multiattach,
		Metadata:           opts.Metadata,
	})
	if err != nil {
		return provider.LogicalVolume{}, err
	}
	return toLogicalVolume(*v), nil
}

func (b *CinderBackend) DeleteVolume(ctx context.Context, id string) error {
	return b.client.DeleteVolume(ctx, id)
}

func (b *CinderBackend) SetMetadata(ctx context.Context, id string, metadata map[string]string) error {
	return b.client.SetMetadata(ctx, id, metadata)
}

var _ provider.CinderBackend = &CinderBackend{}
