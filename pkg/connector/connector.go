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

// Package connector attaches and detaches remote logical volumes to this
// host, producing a stable local device path. Three variants implement
// Interface: NovaAttachConnector (compute-API attach + block-device scan),
// OsBrickConnector (local iSCSI/RBD/FC initiator), and ManilaConnector
// (share access grant + network mount).
package connector

import "context"

// ConnectOpts carries the optional, back-end-specific hints a caller may
// pass into Connect: a preferred mountpoint hint for os-brick, or the
// share protocol, local name, and mount directory ManilaConnector needs to
// resolve its access policy and local mountpoint.
type ConnectOpts struct {
	MountpointHint string

	Protocol string
	Name     string
	MountDir string
}

// Interface is the Connector contract from spec.md §4.5.
type Interface interface {
	// Connect attaches the volume or grants share access and returns the
	// local device path (Cinder) or export location (Manila).
	Connect(ctx context.Context, volumeID string, sizeGiB float64, opts ConnectOpts) (path string, err error)

	// Disconnect reverses Connect.
	Disconnect(ctx context.Context, volumeID string) error

	// DevicePath returns the local path Connect would currently report,
	// without performing any attach/detach action.
	DevicePath(volumeID string) string
}

// AccessChecker is implemented by connectors whose attachment is expressed
// as a share access rule rather than a device attach (ManilaConnector).
type AccessChecker interface {
	CheckAccessAllowed(ctx context.Context, shareID string) (bool, error)
	Mountpoint(ctx context.Context, shareID string) (string, error)
}
