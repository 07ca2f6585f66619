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
	"github.com/gophercloud/gophercloud/v2/openstack/sharedfilesystems/v2/shares"
	shares_utils "github.com/gophercloud/utils/v2/openstack/sharedfilesystems/v2/shares"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/metrics"
)

// ManilaClient is the narrow Manila surface the Manila provider and
// connector call. Every method surfaces a 401 response as
// fuxierrors.ErrUnauthorized so pkg/provider's single retry-on-unauthorized
// wrapper can rebuild the client and replay the call exactly once.
type ManilaClient struct {
	c      *gophercloud.ServiceClient
	reauth func(ctx context.Context) error
}

// NewManilaClient wraps an already-authenticated shared-filesystem service
// client.
func NewManilaClient(c *gophercloud.ServiceClient) *ManilaClient {
	return &ManilaClient{c: c}
}

// SetReauthFunc installs the callback Reauth invokes to rebuild this
// client's token. Left unset, Reauth is a no-op (used in tests).
func (m *ManilaClient) SetReauthFunc(f func(ctx context.Context) error) {
	m.reauth = f
}

// Reauth rebuilds the underlying service client's token.
func (m *ManilaClient) Reauth(ctx context.Context) error {
	if m.reauth == nil {
		return nil
	}
	return m.reauth(ctx)
}

func wrapUnauthorized(err error) error {
	if err != nil && gophercloud.ResponseCodeIs(err, http.StatusUnauthorized) {
		return fmt.Errorf("%w: %v", fuxierrors.ErrUnauthorized, err)
	}
	return err
}

// GetShareByID retrieves a share by ID.
func (m *ManilaClient) GetShareByID(ctx context.Context, shareID string) (*shares.Share, error) {
	mc := metrics.NewContext("share", "get")
	sh, err := shares.Get(ctx, m.c, shareID).Extract()
	if mc.Observe(err) != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: share %s", fuxierrors.ErrNotFound, shareID)
		}
		return nil, wrapUnauthorized(err)
	}
	return sh, nil
}

// GetShareByName resolves a share name to its ID, then fetches it.
func (m *ManilaClient) GetShareByName(ctx context.Context, name string) (*shares.Share, error) {
	shareID, err := shares_utils.IDFromName(ctx, m.c, name)
	if err != nil {
		if gophercloud.ResponseCodeIs(err, http.StatusUnauthorized) {
			return nil, wrapUnauthorized(err)
		}
		return nil, fmt.Errorf("%w: share %q: %v", fuxierrors.ErrNotFound, name, err)
	}
	return m.GetShareByID(ctx, shareID)
}

// GetSharesByName lists every share with the given display name.
func (m *ManilaClient) GetSharesByName(ctx context.Context, name string) ([]shares.Share, error) {
	mc := metrics.NewContext("share", "list_by_name")
	pages, err := shares.ListDetail(m.c, shares.ListOpts{Name: name}).AllPages(ctx)
	if mc.Observe(err) != nil {
		return nil, wrapUnauthorized(err)
	}
	return shares.ExtractShares(pages)
}

// ListShares lists every share visible to the project.
func (m *ManilaClient) ListShares(ctx context.Context) ([]shares.Share, error) {
	mc := metrics.NewContext("share", "list")
	pages, err := shares.ListDetail(m.c, shares.ListOpts{}).AllPages(ctx)
	if mc.Observe(err) != nil {
		return nil, wrapUnauthorized(err)
	}
	return shares.ExtractShares(pages)
}

// CreateShare creates a share.
func (m *ManilaClient) CreateShare(ctx context.Context, opts shares.CreateOptsBuilder) (*shares.Share, error) {
	mc := metrics.NewContext("share", "create")
	sh, err := shares.Create(ctx, m.c, opts).Extract()
	if mc.Observe(err) != nil {
		return nil, wrapUnauthorized(err)
	}
	return sh, nil
}

// DeleteShare deletes a share by ID. A 404 is treated as success.
func (m *ManilaClient) DeleteShare(ctx context.Context, shareID string) error {
	mc := metrics.NewContext("share", "delete")
	err := shares.Delete(ctx, m.c, shareID).ExtractErr()
	if err != nil && !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return mc.Observe(wrapUnauthorized(err))
	}
	mc.Observe(nil)
	return nil
}

// GetExportLocations returns the export locations advertised for a share.
func (m *ManilaClient) GetExportLocations(ctx context.Context, shareID string) ([]shares.ExportLocation, error) {
	mc := metrics.NewContext("share", "get_export_locations")
	locs, err := shares.ListExportLocations(ctx, m.c, shareID).Extract()
	return locs, mc.Observe(wrapUnauthorized(err))
}

// GetAccessRights lists every access rule on a share.
func (m *ManilaClient) GetAccessRights(ctx context.Context, shareID string) ([]shares.AccessRight, error) {
	mc := metrics.NewContext("access_rule", "list")
	rights, err := shares.ListAccessRights(ctx, m.c, shareID).Extract()
	return rights, mc.Observe(wrapUnauthorized(err))
}

// GrantAccess grants an access rule to a share.
func (m *ManilaClient) GrantAccess(ctx context.Context, shareID string, opts shares.GrantAccessOptsBuilder) (*shares.AccessRight, error) {
	mc := metrics.NewContext("access_rule", "grant")
	right, err := shares.GrantAccess(ctx, m.c, shareID, opts).Extract()
	return right, mc.Observe(wrapUnauthorized(err))
}

// DenyAccess revokes an access rule from a share.
func (m *ManilaClient) DenyAccess(ctx context.Context, shareID string, opts shares.RevokeAccessOptsBuilder) error {
	mc := metrics.NewContext("access_rule", "deny")
	return mc.Observe(wrapUnauthorized(shares.RevokeAccess(ctx, m.c, shareID, opts).ExtractErr()))
}
