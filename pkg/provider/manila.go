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
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/statemonitor"
)

// Share is the provider-visible abstraction over a Manila share.
type Share struct {
	ID          string
	Name        string
	SizeGiB     float64
	Status      string
	Protocol    string
	Metadata    map[string]string
}

// Owned reports whether this share carries the service-tag sentinel.
func (s Share) Owned() bool {
	return s.Metadata["volume_from"] == ServiceTag
}

// CreateShareOpts is the allowed option set for creating a new Manila
// share, per spec.md §4.7.
type CreateShareOpts struct {
	Name               string
	ShareProto         string
	SizeGiB            int
	SnapshotID         string
	Description        string
	ShareNetwork       string
	ShareType          string
	IsPublic           bool
	AvailabilityZone   string
	ConsistencyGroupID string
	Metadata           map[string]string
}

// ManilaBackend is the narrow Manila surface ManilaProvider drives.
type ManilaBackend interface {
	GetSharesByName(ctx context.Context, name string) ([]Share, error)
	ListShares(ctx context.Context) ([]Share, error)
	GetShare(ctx context.Context, id string) (Share, error)
	CreateShare(ctx context.Context, opts CreateShareOpts) (Share, error)
	DeleteShare(ctx context.Context, id string) error
	AccessRulesExceptHost(ctx context.Context, shareID, hostAccessTo string) ([]connector.AccessRule, error)
	// Reauth rebuilds the underlying service client's token. Called once,
	// and the triggering operation replayed exactly once, whenever a call
	// fails with ErrUnauthorized.
	Reauth(ctx context.Context) error
}

// ManilaConnectorInterface is the subset of connector behavior
// ManilaProvider needs: attach/detach a share to this host, and read back
// the access-allowed state and resulting mountpoint.
type ManilaConnectorInterface interface {
	connector.Interface
	connector.AccessChecker
}

// ManilaProvider implements the Docker volume verbs against Manila.
// Operations mirror CinderProvider with the differences spec.md §4.7
// calls out: share_proto-flavored create kwargs, a delete that defers to
// other hosts' access grants, and a mount that never calls Mounter
// directly (the protocol-specific local initiator mounts inside Connect).
type ManilaProvider struct {
	backend          ManilaBackend
	connector        ManilaConnectorInterface
	hostAccessTo     func() (string, error)
	volumeDir        string
	defaultShareProto string

	locks *nameLocks
}

var _ Interface = &ManilaProvider{}

// NewManilaProvider returns a ManilaProvider. hostAccessTo yields this
// host's access_to value under the connector's configured policy (an IP
// for ip-type access, a certificate identifier for cert-type access).
func NewManilaProvider(backend ManilaBackend, conn ManilaConnectorInterface, hostAccessTo func() (string, error), volumeDir, defaultShareProto string) *ManilaProvider {
	return &ManilaProvider{
		backend:           backend,
		connector:         conn,
		hostAccessTo:      hostAccessTo,
		volumeDir:         volumeDir,
		defaultShareProto: defaultShareProto,
		locks:             newNameLocks(),
	}
}

func (p *ManilaProvider) Name() string { return "manila" }

func (p *ManilaProvider) mountpointFor(name string) string {
	return filepath.Join(p.volumeDir, "manila", name)
}

// withReauth runs op; on ErrUnauthorized it rebuilds the client exactly
// once and replays op exactly once more.
func (p *ManilaProvider) withReauth(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, fuxierrors.ErrUnauthorized) {
		return err
	}
	if rerr := p.backend.Reauth(ctx); rerr != nil {
		return rerr
	}
	return op()
}

// lookup resolves name to its owned share and attachment state. A
// nonexistent or unowned share returns (nil, StateUnknown, nil).
func (p *ManilaProvider) lookup(ctx context.Context, name string) (*Share, AttachmentState, error) {
	var shares []Share
	err := p.withReauth(ctx, func() error {
		var innerErr error
		shares, innerErr = p.backend.GetSharesByName(ctx, name)
		return innerErr
	})
	if err != nil {
		return nil, StateUnknown, err
	}

	var owned []Share
	for _, s := range shares {
		if s.Owned() {
			owned = append(owned, s)
		}
	}
	if len(owned) == 0 {
		return nil, StateUnknown, nil
	}
	if len(owned) > 1 {
		return nil, StateUnknown, fmt.Errorf("%w: %d shares named %q", fuxierrors.ErrTooManyResources, len(owned), name)
	}

	share := owned[0]
	allowed, err := p.connector.CheckAccessAllowed(ctx, share.ID)
	if err != nil {
		return nil, StateUnknown, err
	}
	if allowed {
		return &share, StateAttachToThis, nil
	}
	return &share, StateNotAttached, nil
}

// Create implements the state table from spec.md §4.7.
func (p *ManilaProvider) Create(ctx context.Context, name string, opts map[string]string) (string, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	share, state, err := p.lookup(ctx, name)
	if err != nil {
		return "", err
	}

	switch state {
	case StateAttachToThis:
		return p.connector.Mountpoint(ctx, share.ID)

	case StateNotAttached:
		return p.connect(ctx, share, name)

	case StateUnknown:
		if shareID, ok := opts["volume_id"]; ok && shareID != "" {
			return p.adopt(ctx, name, shareID, opts)
		}
		return p.createNew(ctx, name, opts)
	}

	return "", fmt.Errorf("%w: unreachable attachment state", fuxierrors.ErrUnexpectedState)
}

func (p *ManilaProvider) connect(ctx context.Context, share *Share, name string) (string, error) {
	_, err := p.connector.Connect(ctx, share.ID, share.SizeGiB, connector.ConnectOpts{
		Protocol: share.Protocol,
		Name:     name,
		MountDir: p.volumeDir,
	})
	if err != nil {
		return "", err
	}
	return p.connector.Mountpoint(ctx, share.ID)
}

func (p *ManilaProvider) adopt(ctx context.Context, name, shareID string, opts map[string]string) (string, error) {
	var share Share
	err := p.withReauth(ctx, func() error {
		var innerErr error
		share, innerErr = p.backend.GetShare(ctx, shareID)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	if share.Status != "available" {
		return "", fmt.Errorf("%w: share %s is in status %q, cannot adopt", fuxierrors.ErrUnexpectedState, shareID, share.Status)
	}
	if share.Name != name {
		return "", fmt.Errorf("%w: share %s has name %q, expected %q", fuxierrors.ErrInvalidInput, shareID, share.Name, name)
	}
	if proto, ok := opts["share_proto"]; ok && proto != share.Protocol {
		return "", fmt.Errorf("%w: share %s has protocol %q, expected %q", fuxierrors.ErrInvalidInput, shareID, share.Protocol, proto)
	}

	return p.connect(ctx, &share, name)
}

func (p *ManilaProvider) createNew(ctx context.Context, name string, opts map[string]string) (string, error) {
	size := 1
	if s, ok := opts["size"]; ok {
		v, err := strconv.Atoi(s)
		if err != nil {
			return "", fmt.Errorf("%w: size %q is not an integer", fuxierrors.ErrInvalidInput, s)
		}
		size = v
	}

	proto := p.defaultShareProto
	if sp, ok := opts["share_proto"]; ok && sp != "" {
		proto = sp
	}

	createOpts := CreateShareOpts{
		Name:               name,
		ShareProto:         proto,
		SizeGiB:            size,
		SnapshotID:         opts["snapshot_id"],
		Description:        opts["description"],
		ShareNetwork:       opts["share_network"],
		ShareType:          opts["share_type"],
		IsPublic:           opts["is_public"] == "true",
		AvailabilityZone:   opts["availability_zone"],
		ConsistencyGroupID: opts["consistency_group_id"],
		Metadata: map[string]string{
			"volume_from": ServiceTag,
		},
	}

	var share Share
	err := p.withReauth(ctx, func() error {
		var innerErr error
		share, innerErr = p.backend.CreateShare(ctx, createOpts)
		return innerErr
	})
	if err != nil {
		return "", err
	}

	mon := statemonitor.New(func() (string, error) {
		var s Share
		err := p.withReauth(ctx, func() error {
			var innerErr error
			s, innerErr = p.backend.GetShare(ctx, share.ID)
			return innerErr
		})
		if err != nil {
			return "", err
		}
		return s.Status, nil
	}, "available", []string{"creating"})
	mon.Delay = volumeScanDelay
	if _, err := mon.Wait(); err != nil {
		return "", err
	}

	return p.connect(ctx, &share, name)
}

// Delete implements the state table from spec.md §4.7. Unlike Cinder,
// deleting the cloud-side share is refused whenever another host still
// holds an access grant; only this host's access is ever revoked.
func (p *ManilaProvider) Delete(ctx context.Context, name string) (bool, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	share, state, err := p.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	if state == StateUnknown {
		return false, nil
	}

	if state == StateAttachToThis {
		if err := p.connector.Disconnect(ctx, share.ID); err != nil {
			return false, err
		}
	}

	hostAccessTo, err := p.hostAccessTo()
	if err != nil {
		return false, err
	}
	var others []connector.AccessRule
	err = p.withReauth(ctx, func() error {
		var innerErr error
		others, innerErr = p.backend.AccessRulesExceptHost(ctx, share.ID, hostAccessTo)
		return innerErr
	})
	if err != nil {
		return false, err
	}
	if len(others) > 0 {
		klog.V(2).Infof("share %s still granted to %d other host(s), not deleting", share.ID, len(others))
		return true, nil
	}

	return true, p.deleteShare(ctx, share.ID)
}

func (p *ManilaProvider) deleteShare(ctx context.Context, shareID string) error {
	if err := p.withReauth(ctx, func() error {
		return p.backend.DeleteShare(ctx, shareID)
	}); err != nil {
		return err
	}

	mon := statemonitor.New(func() (string, error) {
		var s Share
		err := p.withReauth(ctx, func() error {
			var innerErr error
			s, innerErr = p.backend.GetShare(ctx, shareID)
			return innerErr
		})
		if err != nil {
			// the backend is expected to surface fuxierrors.ErrNotFound
			// once the share is gone; treat any fetch failure as the
			// desired terminal state.
			return "deleted", nil
		}
		return s.Status, nil
	}, "deleted", []string{"deleting"})
	mon.Delay = volumeScanDelay
	mon.Timeout = destroyVolumeTimeout
	_, err := mon.Wait()
	return err
}

// Mount implements spec.md §4.7's mount operation: connect (which mounts
// internally) then ask the connector for the resulting mountpoint.
func (p *ManilaProvider) Mount(ctx context.Context, name string) (string, error) {
	unlock := p.locks.Lock(name)
	defer unlock()

	share, state, err := p.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if state == StateUnknown {
		return "", fuxierrors.ErrNotMatchedState
	}
	if state == StateAttachToThis {
		return p.connector.Mountpoint(ctx, share.ID)
	}
	return p.connect(ctx, share, name)
}

// Unmount is a no-op by design, matching CinderProvider.
func (p *ManilaProvider) Unmount(ctx context.Context, name string) error {
	return nil
}

// List returns every owned share. Mountpoint is set only when this host has
// access and the share is currently mounted; it is empty otherwise.
func (p *ManilaProvider) List(ctx context.Context) ([]Volume, error) {
	var shares []Share
	err := p.withReauth(ctx, func() error {
		var innerErr error
		shares, innerErr = p.backend.ListShares(ctx)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	var out []Volume
	for _, s := range shares {
		if !s.Owned() {
			continue
		}
		mp, err := p.connector.Mountpoint(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Volume{Name: s.Name, Mountpoint: mp})
	}
	return out, nil
}

// Show returns the Docker-facing {Name, Mountpoint} view of a share.
func (p *ManilaProvider) Show(ctx context.Context, name string) (*Volume, error) {
	share, state, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == StateUnknown {
		return nil, fmt.Errorf("%w: share %q", fuxierrors.ErrNotFound, name)
	}
	if state != StateAttachToThis {
		return &Volume{Name: name}, nil
	}
	mp, err := p.connector.Mountpoint(ctx, share.ID)
	if err != nil {
		return nil, err
	}
	return &Volume{Name: name, Mountpoint: mp}, nil
}

// CheckExist reports whether name resolves to an owned share.
func (p *ManilaProvider) CheckExist(ctx context.Context, name string) (bool, error) {
	_, state, err := p.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	return state != StateUnknown, nil
}
