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

package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/mount"
)

type fakeCinderBackend struct {
	volumes map[string]LogicalVolume // by ID
	created []CreateVolumeOpts
	deleted []string
}

func newFakeCinderBackend() *fakeCinderBackend {
	return &fakeCinderBackend{volumes: map[string]LogicalVolume{}}
}

func (f *fakeCinderBackend) GetVolumesByName(ctx context.Context, name string) ([]LogicalVolume, error) {
	var out []LogicalVolume
	for _, v := range f.volumes {
		if v.Name == name {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeCinderBackend) ListVolumes(ctx context.Context) ([]LogicalVolume, error) {
	var out []LogicalVolume
	for _, v := range f.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeCinderBackend) GetVolume(ctx context.Context, id string) (LogicalVolume, error) {
	v, ok := f.volumes[id]
	if !ok {
		return LogicalVolume{}, fuxierrors.ErrNotFound
	}
	return v, nil
}

func (f *fakeCinderBackend) CreateVolume(ctx context.Context, opts CreateVolumeOpts) (LogicalVolume, error) {
	f.created = append(f.created, opts)
	v := LogicalVolume{
		ID:       "new-vol-id",
		Name:     opts.Name,
		SizeGiB:  float64(opts.SizeGiB),
		Status:   "available",
		Metadata: opts.Metadata,
	}
	f.volumes[v.ID] = v
	return v, nil
}

func (f *fakeCinderBackend) DeleteVolume(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.volumes, id)
	return nil
}

func (f *fakeCinderBackend) SetMetadata(ctx context.Context, id string, metadata map[string]string) error {
	v := f.volumes[id]
	if v.Metadata == nil {
		v.Metadata = map[string]string{}
	}
	for k, val := range metadata {
		v.Metadata[k] = val
	}
	f.volumes[id] = v
	return nil
}

type fakeConnector struct {
	connectCalls    int
	disconnectCalls int
	connectErr      error
}

func (f *fakeConnector) Connect(ctx context.Context, volumeID string, sizeGiB float64, opts connector.ConnectOpts) (string, error) {
	f.connectCalls++
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return "/dev/disk/by-id/" + volumeID, nil
}

func (f *fakeConnector) Disconnect(ctx context.Context, volumeID string) error {
	f.disconnectCalls++
	return nil
}

func (f *fakeConnector) DevicePath(volumeID string) string {
	return "/dev/disk/by-id/" + volumeID
}

var _ connector.Interface = &fakeConnector{}

func ownedMeta() map[string]string {
	return map[string]string{"volume_from": ServiceTag, "fstype": "ext4"}
}

func TestCinderCreateNotAttachedConnects(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "available", Metadata: ownedMeta()}
	conn := &fakeConnector{}
	m := mount.New(nil)
	p := NewCinderProvider(be, conn, m, func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	path, err := p.Create(context.Background(), "myvol", nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-id/v1", path)
	assert.Equal(t, 1, conn.connectCalls)
}

func TestCinderCreateAttachToThisIsNoop(t *testing.T) {
	be := newFakeCinderBackend()
	meta := ownedMeta()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "in-use", Metadata: meta, Attachments: []Attachment{{ServerID: "this-host"}}}
	conn := &fakeConnector{}
	p := NewCinderProvider(be, conn, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	path, err := p.Create(context.Background(), "myvol", nil)
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-id/v1", path)
	assert.Equal(t, 0, conn.connectCalls)
}

func TestCinderCreateAttachToOtherFailsWithoutMultiattach(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "in-use", Metadata: ownedMeta(), Attachments: []Attachment{{ServerID: "other-host"}}}
	conn := &fakeConnector{}
	p := NewCinderProvider(be, conn, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	_, err := p.Create(context.Background(), "myvol", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fuxierrors.ErrAlreadyAttached)
}

func TestCinderCreateAttachToOtherMultiattachMatchingFstypeConnects(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "in-use", Metadata: ownedMeta(), Attachments: []Attachment{{ServerID: "other-host"}}, Multiattach: true}
	conn := &fakeConnector{}
	p := NewCinderProvider(be, conn, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	path, err := p.Create(context.Background(), "myvol", map[string]string{"fstype": "ext4"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-id/v1", path)
	assert.Equal(t, 1, conn.connectCalls)
}

func TestCinderCreateUnknownCreatesNewVolume(t *testing.T) {
	be := newFakeCinderBackend()
	conn := &fakeConnector{}
	p := NewCinderProvider(be, conn, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 5)

	path, err := p.Create(context.Background(), "newvol", map[string]string{"size": "10"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-id/new-vol-id", path)
	require.Len(t, be.created, 1)
	assert.Equal(t, 10, be.created[0].SizeGiB)
	assert.Equal(t, ServiceTag, be.created[0].Metadata["volume_from"])
}

func TestCinderDeleteNotAttachedDeletesVolume(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "available", Metadata: ownedMeta()}
	p := NewCinderProvider(be, &fakeConnector{}, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	deleted, err := p.Delete(context.Background(), "myvol")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Contains(t, be.deleted, "v1")
}

func TestCinderDeleteUnknownReturnsFalse(t *testing.T) {
	be := newFakeCinderBackend()
	p := NewCinderProvider(be, &fakeConnector{}, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	deleted, err := p.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCinderDeleteAttachToOtherReturnsTrueWithoutDeleting(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", SizeGiB: 1, Status: "in-use", Metadata: ownedMeta(), Attachments: []Attachment{{ServerID: "other-host"}}}
	p := NewCinderProvider(be, &fakeConnector{}, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	deleted, err := p.Delete(context.Background(), "myvol")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, be.deleted)
}

func TestCinderCheckExist(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "myvol", Metadata: ownedMeta()}
	p := NewCinderProvider(be, &fakeConnector{}, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	exists, err := p.CheckExist(context.Background(), "myvol")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = p.CheckExist(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCinderLookupTooManyResources(t *testing.T) {
	be := newFakeCinderBackend()
	be.volumes["v1"] = LogicalVolume{ID: "v1", Name: "dup", Metadata: ownedMeta()}
	be.volumes["v2"] = LogicalVolume{ID: "v2", Name: "dup", Metadata: ownedMeta()}
	p := NewCinderProvider(be, &fakeConnector{}, mount.New(nil), func() (string, error) { return "this-host", nil }, "/fuxi/data", "ext4", 1)

	_, err := p.CheckExist(context.Background(), "dup")
	require.Error(t, err)
	assert.ErrorIs(t, err, fuxierrors.ErrTooManyResources)
}

func TestCinderUnmountIsNoop(t *testing.T) {
	p := NewCinderProvider(newFakeCinderBackend(), &fakeConnector{}, mount.New(nil), func() (string, error) { return "h", nil }, "/fuxi/data", "ext4", 1)
	assert.NoError(t, p.Unmount(context.Background(), "anything"))
}
