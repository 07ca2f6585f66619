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

	"github.com/gophercloud/gophercloud/v2/openstack/sharedfilesystems/v2/shares"

	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

// ManilaShareAccess adapts ManilaClient to connector.ShareAccess.
type ManilaShareAccess struct {
	client *ManilaClient
}

// NewManilaShareAccess wraps client as a connector.ShareAccess.
func NewManilaShareAccess(client *ManilaClient) *ManilaShareAccess {
	return &ManilaShareAccess{client: client}
}

func toAccessRule(r shares.AccessRight) connector.AccessRule {
	return connector.AccessRule{ID: r.ID, AccessType: r.AccessType, AccessTo: r.AccessTo, State: r.State}
}

func (a *ManilaShareAccess) ListAccessRules(ctx context.Context, shareID string) ([]connector.AccessRule, error) {
	rights, err := a.client.GetAccessRights(ctx, shareID)
	if err != nil {
		return nil, err
	}
	out := make([]connector.AccessRule, 0, len(rights))
	for _, r := range rights {
		out = append(out, toAccessRule(r))
	}
	return out, nil
}

func (a *ManilaShareAccess) GrantAccess(ctx context.Context, shareID, accessType, accessTo string) error {
	_, err := a.client.GrantAccess(ctx, shareID, shares.GrantAccessOpts{
		AccessType:  accessType,
		AccessTo:    accessTo,
		AccessLevel: "rw",
	})
	return err
}

func (a *ManilaShareAccess) DenyAccess(ctx context.Context, shareID, ruleID string) error {
	return a.client.DenyAccess(ctx, shareID, shares.AccessOpts{AccessID: ruleID})
}

func (a *ManilaShareAccess) ExportLocation(ctx context.Context, shareID string) (string, error) {
	locs, err := a.client.GetExportLocations(ctx, shareID)
	if err != nil {
		return "", err
	}
	if len(locs) == 0 {
		return "", fmt.Errorf("%w: share %s has no export locations", fuxierrors.ErrNotFound, shareID)
	}
	return locs[0].Path, nil
}

var _ connector.ShareAccess = &ManilaShareAccess{}

// ManilaBackend adapts ManilaClient to provider.ManilaBackend.
type ManilaBackend struct {
	client *ManilaClient
}

// NewManilaBackend wraps client as a provider.ManilaBackend.
func NewManilaBackend(client *ManilaClient) *ManilaBackend {
	return &ManilaBackend{client: client}
}

func toShare(s shares.Share) provider.Share {
	return provider.Share{
		ID:       s.ID,
		Name:     s.Name,
		SizeGiB:  float64(s.Size),
		Status:   s.Status,
		Protocol: s.ShareProto,
		Metadata: s.Metadata,
	}
}

func (b *ManilaBackend) GetSharesByName(ctx context.Context, name string) ([]provider.Share, error) {
	shs, err := b.client.GetSharesByName(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Share, 0, len(shs))
	for _, s := range shs {
		out = append(out, toShare(s))
	}
	return out, nil
}

func (b *ManilaBackend) ListShares(ctx context.Context) ([]provider.Share, error) {
	shs, err := b.client.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Share, 0, len(shs))
	for _, s := range shs {
		out = append(out, toShare(s))
	}
	return out, nil
}

func (b *ManilaBackend) GetShare(ctx context.Context, id string) (provider.Share, error) {
	s, err := b.client.GetShareByID(ctx, id)
	if err != nil {
		return provider.Share{}, err
	}
	return toShare(*s), nil
}

func (b *ManilaBackend) CreateShare(ctx context.Context, opts provider.CreateShareOpts) (provider.Share, error) {
	s, err := b.client.CreateShare(ctx, shares.CreateOpts{
		ShareProto:         opts.ShareProto,
		Size:               opts.SizeGiB,
		Name:               opts.Name,
		Description:        opts.Description,
		ShareNetworkID:     opts.ShareNetwork,
		ShareType:          opts.ShareType,
		IsPublic:           opts.IsPublic,
		AvailabilityZone:   opts.AvailabilityZone,
		SnapshotID:         opts.SnapshotID,
		Metadata:           opts.Metadata,
		ConsistencyGroupID: opts.ConsistencyGroupID,
	})
	if err != nil {
		return provider.Share{}, err
	}
	return toShare(*s), nil
}

func (b *ManilaBackend) DeleteShare(ctx context.Context, id string) error {
	return b.client.DeleteShare(ctx, id)
}

// AccessRulesExceptHost lists access rules not belonging to hostAccessTo.
func (b *ManilaBackend) AccessRulesExceptHost(ctx context.Context, shareID, hostAccessTo string) ([]connector.AccessRule, error) {
	rights, err := b.client.GetAccessRights(ctx, shareID)
	if err != nil {
		return nil, err
	}
	var out []connector.AccessRule
	for _, r := range rights {
		if r.AccessTo != hostAccessTo {
			out = append(out, toAccessRule(r))
		}
	}
	return out, nil
}

func (b *ManilaBackend) Reauth(ctx context.Context) error {
	return b.client.Reauth(ctx)
}

var _ provider.ManilaBackend = &ManilaBackend{}
