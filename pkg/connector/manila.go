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
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/statemonitor"
)

const (
	accessDenyTimeout = 300 * time.Second
	accessScanDelay   = 300 * time.Millisecond
)

// AccessRule is the subset of a Manila access rule the connector reasons
// about.
type AccessRule struct {
	ID         string
	AccessType string
	AccessTo   string
	State      string
}

// ShareAccess is the subset of the Manila client ManilaConnector needs to
// grant and revoke access rules and read export locations.
type ShareAccess interface {
	ListAccessRules(ctx context.Context, shareID string) ([]AccessRule, error)
	GrantAccess(ctx context.Context, shareID, accessType, accessTo string) error
	DenyAccess(ctx context.Context, shareID, ruleID string) error
	ExportLocation(ctx context.Context, shareID string) (string, error)
}

// ShareMounter mounts and unmounts a network share for a given protocol
// (NFS, GLUSTERFS, ...) under a local mountpoint.
type ShareMounter interface {
	MountShare(ctx context.Context, protocol, export, mountpoint string) error
	UnmountShare(ctx context.Context, mountpoint string) error
	MountpointForExport(export string) (string, error)
}

// AccessPolicy maps a share protocol to the access_type Manila expects and
// the access_to value to request it with. Defaults match spec: NFS->ip,
// GLUSTERFS->cert. Operators may override per-protocol at config time.
type AccessPolicy struct {
	AccessType string
	AccessTo   func() (string, error)
}

// ManilaConnector grants/revokes share access and mounts/unmounts the
// resulting network share. It holds no mountpoint cache: Mountpoint and
// Disconnect both re-derive the live mount from /proc/mounts via shareMount,
// since a cache desynchronizes from the kernel and the cloud across a daemon
// restart.
type ManilaConnector struct {
	shares     ShareAccess
	shareMount ShareMounter
	protocols  map[string]string // shareID -> protocol, populated by Connect
	policy     map[string]AccessPolicy
}

var _ Interface = &ManilaConnector{}
var _ AccessChecker = &ManilaConnector{}

// NewManilaConnector returns a ManilaConnector using policy as the
// protocol->access-type map.
func NewManilaConnector(shares ShareAccess, shareMount ShareMounter, policy map[string]AccessPolicy) *ManilaConnector {
	return &ManilaConnector{
		shares:     shares,
		shareMount: shareMount,
		protocols:  map[string]string{},
		policy:     policy,
	}
}

func (c *ManilaConnector) resolve(protocol string) (AccessPolicy, error) {
	p, ok := c.policy[protocol]
	if !ok {
		return AccessPolicy{}, fmt.Errorf("%w: %q", fuxierrors.ErrInvalidProtocol, protocol)
	}
	return p, nil
}

// CheckAccessAllowed reports whether the share has an active access rule
// whose access_type and access_to equal this host's pair under one of the
// configured protocol policies. The share's protocol is not known at this
// call site, so every configured policy is tried.
func (c *ManilaConnector) CheckAccessAllowed(ctx context.Context, shareID string) (bool, error) {
	rules, err := c.shares.ListAccessRules(ctx, shareID)
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if r.State != "active" {
			continue
		}
		for _, p := range c.policy {
			accessTo, err := p.AccessTo()
			if err != nil {
				continue
			}
			if r.AccessType == p.AccessType && r.AccessTo == accessTo {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *ManilaConnector) connectAllowed(ctx context.Context, shareID, accessType, accessTo string) (bool, *AccessRule, error) {
	rules, err := c.shares.ListAccessRules(ctx, shareID)
	if err != nil {
		return false, nil, err
	}
	for i, r := range rules {
		if r.AccessType == accessType && r.AccessTo == accessTo {
			return r.State == "active", &rules[i], nil
		}
	}
	return false, nil, nil
}

// Connect grants access (if not already granted) for the share's protocol,
// waits for the rule to become active, then mounts the export. opts.
// Protocol, opts.Name, and opts.MountDir are required.
func (c *ManilaConnector) Connect(ctx context.Context, shareID string, _ float64, opts ConnectOpts) (string, error) {
	protocol := opts.Protocol
	policy, err := c.resolve(protocol)
	if err != nil {
		return "", err
	}
	accessTo, err := policy.AccessTo()
	if err != nil {
		return "", err
	}
	if accessTo == "" {
		return "", fuxierrors.ErrInvalidAccessTo
	}

	allowed, _, err := c.connectAllowed(ctx, shareID, policy.AccessType, accessTo)
	if err != nil {
		return "", err
	}
	if !allowed {
		if err := c.shares.GrantAccess(ctx, shareID, policy.AccessType, accessTo); err != nil {
			return "", err
		}
		mon := statemonitor.New(func() (string, error) {
			return c.connectAllowedState(ctx, shareID, policy.AccessType, accessTo)
		}, "active", []string{"new"})
		if _, err := mon.Wait(); err != nil {
			return "", err
		}
	}

	export, err := c.shares.ExportLocation(ctx, shareID)
	if err != nil {
		return "", err
	}

	mountpoint := filepath.Join(opts.MountDir, opts.Name)
	if err := c.shareMount.MountShare(ctx, protocol, export, mountpoint); err != nil {
		return "", err
	}
	c.protocols[shareID] = protocol

	return export, nil
}

func (c *ManilaConnector) connectAllowedState(ctx context.Context, shareID, accessType, accessTo string) (string, error) {
	rules, err := c.shares.ListAccessRules(ctx, shareID)
	if err != nil {
		return "", err
	}
	for _, r := range rules {
		if r.AccessType == accessType && r.AccessTo == accessTo {
			if r.State == "error" {
				return "", fmt.Errorf("%w: access rule %s is in error state", fuxierrors.ErrNotMatchedState, r.ID)
			}
			return r.State, nil
		}
	}
	return "new", nil
}

// Disconnect unmounts the share, denies the matching access rule, and
// polls until the rule disappears. The protocol recorded by the matching
// Connect call is reused to resolve the access policy.
func (c *ManilaConnector) Disconnect(ctx context.Context, shareID string) error {
	protocol, ok := c.protocols[shareID]
	if !ok {
		return fmt.Errorf("%w: no recorded protocol for share %s, call Connect first", fuxierrors.ErrInvalidProtocol, shareID)
	}
	defer delete(c.protocols, shareID)

	policy, err := c.resolve(protocol)
	if err != nil {
		return err
	}
	accessTo, err := policy.AccessTo()
	if err != nil {
		return err
	}

	mountpoint, err := c.liveMountpoint(ctx, shareID)
	if err != nil {
		return err
	}
	if mountpoint != "" {
		if err := c.shareMount.UnmountShare(ctx, mountpoint); err != nil {
			return err
		}
	}

	_, rule, err := c.connectAllowed(ctx, shareID, policy.AccessType, accessTo)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}
	if err := c.shares.DenyAccess(ctx, shareID, rule.ID); err != nil {
		return err
	}

	pollCtx, cancel := context.WithTimeout(ctx, accessDenyTimeout)
	defer cancel()
	pollErr := wait.PollUntilContextTimeout(pollCtx, accessScanDelay, accessDenyTimeout, true, func(ctx context.Context) (bool, error) {
		rules, err := c.shares.ListAccessRules(ctx, shareID)
		if err != nil {
			return false, err
		}
		for _, r := range rules {
			if r.ID == rule.ID {
				if r.State == "error" || r.State == "error_deleting" {
					return false, fmt.Errorf("%w: access rule %s failed to delete", fuxierrors.ErrNotMatchedState, r.ID)
				}
				return false, nil
			}
		}
		return true, nil
	})
	if pollErr != nil {
		if errors.Is(pollErr, context.DeadlineExceeded) || wait.Interrupted(pollErr) {
			return fmt.Errorf("%w: access rule %s still present after %s", fuxierrors.ErrTimeout, rule.ID, accessDenyTimeout)
		}
		return pollErr
	}
	return nil
}

// Mountpoint returns the share's currently mounted path, or "" if access
// is not currently allowed or the export isn't mounted. Always re-derived
// from the live export location and /proc/mounts, never from a cache, so it
// stays correct across a daemon restart.
func (c *ManilaConnector) Mountpoint(ctx context.Context, shareID string) (string, error) {
	allowed, err := c.CheckAccessAllowed(ctx, shareID)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", nil
	}
	return c.liveMountpoint(ctx, shareID)
}

// liveMountpoint looks up shareID's export location and returns the
// mountpoint it's currently mounted on, per /proc/mounts, or "" if it isn't
// mounted.
func (c *ManilaConnector) liveMountpoint(ctx context.Context, shareID string) (string, error) {
	export, err := c.shares.ExportLocation(ctx, shareID)
	if err != nil {
		return "", err
	}
	return c.shareMount.MountpointForExport(export)
}

// DevicePath is not meaningful for shares; Manila has no device node.
func (c *ManilaConnector) DevicePath(shareID string) string {
	return ""
}
