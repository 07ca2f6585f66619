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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/mount"
	"github.com/openstack/docker-volume-fuxi/pkg/statemonitor"
)

// ServiceTag is the metadata key/value sentinel that marks a cloud volume
// or share as owned by this daemon.
const ServiceTag = "docker-volume-fuxi"

const (
	destroyVolumeTimeout = 300 * time.Second
	volumeScanDelay      = 300 * time.Millisecond
)

// Attachment is a simplified view of a cloud attachment record.
type Attachment struct {
	ServerID string
}

// LogicalVolume is the provider-visible abstraction over a Cinder volume,
// decoupled from any specific cloud SDK's types so the provider logic can
// be tested against fakes.
type LogicalVolume struct {
	ID          string
	Name        string
	SizeGiB     float64
	Status      string
	Attachments []Attachment
	Multiattach bool
	Metadata    map[string]string
}

// Fstype reads the filesystem type stamped into this volume's metadata.
func (v LogicalVolume) Fstype() string {
	return v.Metadata["fstype"]
}

// Owned reports whether this volume carries the service-tag sentinel.
func (v LogicalVolume) Owned() bool {
	return v.Metadata["volume_from"] == ServiceTag
}

// CreateVolumeOpts is the allowed option set for creating a new Cinder
// volume, per spec.md §4.6.
type CreateVolumeOpts struct {
	Name                string
	SizeGiB             int
	ConsistencyGroupID  string
	SnapshotID          string
	SourceVolID         string
	Description         string
	VolumeType          string
	AvailabilityZone    string
	SchedulerHints      map[string]string
	SourceReplica       string
	Multiattach         bool
	Metadata            map[string]string
}

// CinderBackend is the narrow Cinder surface CinderProvider drives.
type CinderBackend interface {
	GetVolumesByName(ctx context.Context, name string) ([]LogicalVolume, error)
	ListVolumes(ctx context.Context) ([]LogicalVolume, error)
	GetVolume(ctx context.Context, id string) (LogicalVolume, error)
	CreateVolume(ctx context.Context, opts CreateVolumeOpts) (LogicalVolume, error)
	DeleteVolume(ctx context.Context, id string) error
	SetMetadata(ctx context.Context, id string, metadata map[string]string) error
}

// CinderProvider implements the Docker volume verbs against Cinder.
type CinderProvider struct {
	backend    CinderBackend
	connector  connector.Interface
	mounter    mount.Interface
	hostID     func() (string, error)
	volumeDir  string // e.g. /fuxi/data, provider subdir is volumeDir/cinder
	defaultFstype string
	defaultSizeGiB int

	locks *nameLocks
}

var _ Interface = &CinderProvider{}

// NewCinderProvider returns a CinderProvider. hostID returns this host's
// identifier in the form the configured connector attaches as (instance
// UUID for Nova-attach, lowercased hostname for os-brick).
func NewCinderProvider(backend CinderBackend, conn connector.Interface, mounter mount.Interface, hostID func() (string, error), volumeDir, defaultFstype string, defaultSizeGiB int) *CinderProvider {
	return &CinderProvider{
		backend:        backend,
		connector:      conn,
		mounter:        mounter,
		hostID:         hostID,
		volumeDir:      volumeDir,
		defaultFstype:  defaultFstype,
		defaultSizeGiB: defaultSizeGiB,
		locks:          newNameLocks(),
	}
}

func (p *CinderProvider) Name() string { return "cinder" }

func (p *CinderProvider) providerDir() string {
	return filepath.Join(p.volumeDir, "cinder")
}

func (p *CinderProvider) mountpointFor(name string) string {
	return filepath.Join(p.providerDir(), name)
}

// lookup resolves name to its owned volume and attachment state. A
// nonexistent or unowned volume returns (nil, StateUnknown, nil).
func (p *CinderProvider) lookup(ctx context.Context, name string) (*LogicalVolume, AttachmentState, error) {
	vols, err := p.backend.GetVolumesByName(ctx, name)
	if err != nil {
		return nil, StateUnknown, err
	}

	var owned []LogicalVolume
	for _, v := range vols {
		if v.Owned() {
			owned = append(owned, v)
		}
	}
	if len(owned) == 0 {
		return nil, StateUnknown, nil
	}
	if len(owned) > 1 {
		return nil, StateUnknown, fmt.Errorf("%w: %d volumes named %q", fuxierrors.ErrTooManyResources, len(owned), name)
	}

	vol := owned[0]
	if len(vol.Attachments) == 0 {
		return &vol, StateNotAttached, nil
	}

	host, err := p.hostID()
	if err != nil {
		return nil, StateUnknown, err
	}
	for _, att := range vol.Attachments {
		if att.ServerID == host {
			return &vol, StateAttachToThis, nil
		}
	}
	return &vol, StateAttachToOther, nil
}

// Create implements the state table from spec.md §4.6.
func (p *CinderProvider) Create(ctx context.Context, name string, opts map[string]string) (string, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	vol, state, err := p.lookup(ctx, name)
	if err != nil {
		return "", err
	}

	switch state {
	case StateAttachToThis:
		return p.connector.DevicePath(vol.ID), nil

	case StateNotAttached:
		return p.connector.Connect(ctx, vol.ID, vol.SizeGiB, connector.ConnectOpts{})

	case StateAttachToOther:
		if vol.Multiattach && opts["fstype"] == vol.Fstype() {
			return p.connector.Connect(ctx, vol.ID, vol.SizeGiB, connector.ConnectOpts{})
		}
		return "", fuxierrors.ErrAlreadyAttached

	case StateUnknown:
		if volumeID, ok := opts["volume_id"]; ok && volumeID != "" {
			return p.adopt(ctx, name, volumeID, opts)
		}
		return p.createNew(ctx, name, opts)
	}

	return "", fmt.Errorf("%w: unreachable attachment state", fuxierrors.ErrUnexpectedState)
}

func (p *CinderProvider) adopt(ctx context.Context, name, volumeID string, opts map[string]string) (string, error) {
	vol, err := p.backend.GetVolume(ctx, volumeID)
	if err != nil {
		return "", err
	}
	if vol.Status != "available" && vol.Status != "in-use" {
		return "", fmt.Errorf("%w: volume %s is in status %q, cannot adopt", fuxierrors.ErrUnexpectedState, volumeID, vol.Status)
	}
	if vol.Status == "in-use" {
		host, err := p.hostID()
		if err != nil {
			return "", err
		}
		attachedHere := false
		for _, att := range vol.Attachments {
			if att.ServerID == host {
				attachedHere = true
			}
		}
		if !attachedHere {
			return "", fuxierrors.ErrAlreadyAttached
		}
	}
	if vol.Name != name {
		return "", fmt.Errorf("%w: volume %s has name %q, expected %q", fuxierrors.ErrInvalidInput, volumeID, vol.Name, name)
	}
	if fstype, ok := opts["fstype"]; ok && fstype != vol.Fstype() {
		return "", fmt.Errorf("%w: volume %s has fstype %q, expected %q", fuxierrors.ErrInvalidInput, volumeID, vol.Fstype(), fstype)
	}

	if err := p.backend.SetMetadata(ctx, volumeID, map[string]string{"volume_from": ServiceTag}); err != nil {
		return "", err
	}

	return p.connector.Connect(ctx, volumeID, vol.SizeGiB, connector.ConnectOpts{})
}

func (p *CinderProvider) createNew(ctx context.Context, name string, opts map[string]string) (string, error) {
	size := p.defaultSizeGiB
	if s, ok := opts["size"]; ok {
		v, err := strconv.Atoi(s)
		if err != nil {
			return "", fmt.Errorf("%w: size %q is not an integer", fuxierrors.ErrInvalidInput, s)
		}
		size = v
	}

	fstype := p.defaultFstype
	if f, ok := opts["fstype"]; ok {
		fstype = f
	}

	createOpts := CreateVolumeOpts{
		Name:               name,
		SizeGiB:            size,
		ConsistencyGroupID: opts["consistencygroup_id"],
		SnapshotID:         opts["snapshot_id"],
		SourceVolID:        opts["source_volid"],
		Description:        opts["description"],
		VolumeType:         opts["volume_type"],
		AvailabilityZone:   opts["availability_zone"],
		SourceReplica:      opts["source_replica"],
		Multiattach:        opts["multiattach"] == "true",
		Metadata: map[string]string{
			"volume_from": ServiceTag,
			"fstype":      fstype,
		},
	}

	vol, err := p.backend.CreateVolume(ctx, createOpts)
	if err != nil {
		return "", err
	}

	mon := statemonitor.New(func() (string, error) {
		v, err := p.backend.GetVolume(ctx, vol.ID)
		if err != nil {
			return "", err
		}
		return v.Status, nil
	}, "available", []string{"creating"})
	mon.Delay = volumeScanDelay
	if _, err := mon.Wait(); err != nil {
		return "", err
	}

	return p.connector.Connect(ctx, vol.ID, float64(size), connector.ConnectOpts{})
}

// Delete implements the state table from spec.md §4.6.
func (p *CinderProvider) Delete(ctx context.Context, name string) (bool, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	vol, state, err := p.lookup(ctx, name)
	if err != nil {
		return false, err
	}

	switch state {
	case StateUnknown:
		return false, nil

	case StateAttachToOther:
		klog.V(2).Infof("volume %s is attached to another host, not deleting", name)
		return true, nil

	case StateNotAttached:
		return true, p.deleteVolume(ctx, vol.ID)

	case StateAttachToThis:
		return p.deleteAttached(ctx, vol)
	}

	return false, fmt.Errorf("%w: unreachable attachment state", fuxierrors.ErrUnexpectedState)
}

func (p *CinderProvider) deleteAttached(ctx context.Context, vol *LogicalVolume) (bool, error) {
	link := p.connector.DevicePath(vol.ID)
	devPath, err := filepath.EvalSymlinks(link)
	if err != nil {
		devPath = link
	}

	mountpoint := p.mountpointFor(vol.Name)
	mps, err := p.mounter.MountpointsForDevice(devPath)
	if err != nil {
		return false, err
	}

	mountedHere := false
	var others []string
	for _, mp := range mps {
		if mp == mountpoint {
			mountedHere = true
		} else {
			others = append(others, mp)
		}
	}

	if mountedHere {
		if err := p.mounter.Unmount(mountpoint); err != nil {
			return false, err
		}
		if err := os.Remove(mountpoint); err != nil && !os.IsNotExist(err) {
			return false, err
		}
	}

	if len(others) > 0 {
		klog.V(2).Infof("volume %s still mounted at %v, refcount>0, not detaching", vol.ID, others)
		return true, nil
	}

	if err := p.connector.Disconnect(ctx, vol.ID); err != nil {
		return false, err
	}

	refreshed, err := p.backend.GetVolume(ctx, vol.ID)
	if err != nil {
		return false, err
	}
	if len(refreshed.Attachments) > 0 {
		klog.V(2).Infof("volume %s still has attachments after disconnect, not deleting", vol.ID)
		return true, nil
	}

	return true, p.deleteVolume(ctx, vol.ID)
}

func (p *CinderProvider) deleteVolume(ctx context.Context, volumeID string) error {
	if err := p.backend.DeleteVolume(ctx, volumeID); err != nil {
		return err
	}

	deadline := time.Now().Add(destroyVolumeTimeout)
	for {
		_, err := p.backend.GetVolume(ctx, volumeID)
		if err != nil {
			// The backend is expected to surface fuxierrors.ErrNotFound
			// once the volume is gone; any fetch error here is treated
			// as confirmation, matching the original daemon's delete
			// polling (it only ever observed NotFound or a live volume).
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: volume %s was not destroyed within %s", fuxierrors.ErrTimeout, volumeID, destroyVolumeTimeout)
		}
		time.Sleep(volumeScanDelay)
	}
}

// Mount implements spec.md §4.6's mount operation.
func (p *CinderProvider) Mount(ctx context.Context, name string) (string, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	vol, state, err := p.lookup(ctx, name)
	if err != nil {
		return "", err
	}

	switch state {
	case StateNotAttached:
		if _, err := p.connector.Connect(ctx, vol.ID, vol.SizeGiB, connector.ConnectOpts{}); err != nil {
			return "", err
		}
	case StateAttachToOther:
		if !vol.Multiattach {
			return "", fuxierrors.ErrNotMatchedState
		}
		if _, err := p.connector.Connect(ctx, vol.ID, vol.SizeGiB, connector.ConnectOpts{}); err != nil {
			return "", err
		}
	case StateAttachToThis:
		// already attached
	default:
		return "", fuxierrors.ErrNotMatchedState
	}

	link := p.connector.DevicePath(vol.ID)
	if _, err := os.Lstat(link); err != nil {
		if err := p.connector.Disconnect(ctx, vol.ID); err != nil {
			return "", err
		}
		if _, err := p.connector.Connect(ctx, vol.ID, vol.SizeGiB, connector.ConnectOpts{}); err != nil {
			return "", err
		}
	}

	realPath, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(p.providerDir(), 0700); err != nil {
		return "", err
	}
	mountpoint := p.mountpointFor(name)
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return "", err
	}

	fstype := vol.Fstype()
	if fstype == "" {
		fstype = p.defaultFstype
	}

	if err := p.mounter.DoMount(realPath, mountpoint, fstype); err != nil {
		return "", err
	}
	return mountpoint, nil
}

// Unmount is a no-op by design: Docker calls Unmount after every container
// stop, but this daemon keeps the device mounted until Delete.
func (p *CinderProvider) Unmount(ctx context.Context, name string) error {
	return nil
}

// List returns every owned volume. Mountpoint is set only for a volume whose
// canonical mountpoint is currently mounted; it is empty otherwise.
func (p *CinderProvider) List(ctx context.Context) ([]Volume, error) {
	vols, err := p.backend.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}

	var out []Volume
	for _, v := range vols {
		if !v.Owned() {
			continue
		}
		mountpoint := p.mountpointFor(v.Name)

		realPath, err := filepath.EvalSymlinks(p.connector.DevicePath(v.ID))
		if err != nil {
			out = append(out, Volume{Name: v.Name})
			continue
		}
		mps, err := p.mounter.MountpointsForDevice(realPath)
		if err != nil {
			return nil, err
		}
		if !containsString(mps, mountpoint) {
			out = append(out, Volume{Name: v.Name})
			continue
		}
		out = append(out, Volume{Name: v.Name, Mountpoint: mountpoint})
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Show returns the Docker-facing {Name, Mountpoint} view of a volume.
func (p *CinderProvider) Show(ctx context.Context, name string) (*Volume, error) {
	vol, state, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == StateUnknown {
		return nil, fmt.Errorf("%w: volume %q", fuxierrors.ErrNotFound, name)
	}
	if state != StateAttachToThis {
		return &Volume{Name: name}, nil
	}

	mountpoint := p.mountpointFor(vol.Name)
	realPath, err := filepath.EvalSymlinks(p.connector.DevicePath(vol.ID))
	if err != nil {
		return &Volume{Name: name}, nil
	}
	mounted, err := p.mounter.IsMounted(realPath, mountpoint)
	if err != nil {
		return nil, err
	}
	if !mounted {
		return &Volume{Name: name}, nil
	}
	return &Volume{Name: name, Mountpoint: mountpoint}, nil
}

// CheckExist reports whether name resolves to an owned volume.
func (p *CinderProvider) CheckExist(ctx context.Context, name string) (bool, error) {
	_, state, err := p.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	return state != StateUnknown, nil
}
