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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack/docker-volume-fuxi/pkg/executor/executortest"
)

type fakeCinderAttachments struct {
	reserveCalls   []string
	unreserveCalls []string
	attachCalls    []string
	detachCalls    []string

	initializeErr error
	attachErr     error
	connInfo      ConnectionInfo
	attachmentID  string
}

func (f *fakeCinderAttachments) Reserve(ctx context.Context, volumeID string) error {
	f.reserveCalls = append(f.reserveCalls, volumeID)
	return nil
}

func (f *fakeCinderAttachments) Unreserve(ctx context.Context, volumeID string) error {
	f.unreserveCalls = append(f.unreserveCalls, volumeID)
	return nil
}

func (f *fakeCinderAttachments) InitializeConnection(ctx context.Context, volumeID string, connectorProps map[string]string) (ConnectionInfo, error) {
	if f.initializeErr != nil {
		return ConnectionInfo{}, f.initializeErr
	}
	return f.connInfo, nil
}

func (f *fakeCinderAttachments) AttachLocal(ctx context.Context, volumeID, hostName, mountpointHint string) (string, error) {
	if f.attachErr != nil {
		return "", f.attachErr
	}
	f.attachCalls = append(f.attachCalls, volumeID)
	return "attachment-1", nil
}

func (f *fakeCinderAttachments) DetachLocal(ctx context.Context, volumeID, attachmentID string) error {
	f.detachCalls = append(f.detachCalls, volumeID)
	return nil
}

func (f *fakeCinderAttachments) FindAttachmentByHost(ctx context.Context, volumeID, hostName string) (string, error) {
	return f.attachmentID, nil
}

type fakeLocalInitiator struct {
	connectErr      error
	devicePath      string
	disconnectCalls int
	props           map[string]string
}

func (f *fakeLocalInitiator) ConnectVolume(ctx context.Context, data map[string]string) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.devicePath, nil
}

func (f *fakeLocalInitiator) DisconnectVolume(ctx context.Context, data map[string]string) error {
	f.disconnectCalls++
	return nil
}

func (f *fakeLocalInitiator) ConnectorProperties() map[string]string {
	return f.props
}

func TestOsBrickConnectSymlinksDeviceAndAttaches(t *testing.T) {
	cinder := &fakeCinderAttachments{
		connInfo: ConnectionInfo{DriverVolumeType: "iscsi", Data: map[string]string{"target_portal": "1.2.3.4"}},
	}
	init := &fakeLocalInitiator{devicePath: "/dev/sdb"}
	fe := executortest.New()

	c := NewOsBrickConnector(cinder, func(string) (LocalInitiator, error) { return init, nil }, fe, "host-1")

	path, err := c.Connect(context.Background(), "vol-123", 2.0, ConnectOpts{MountpointHint: "/mnt/vol-123"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/disk/by-id/vol-123", path)
	assert.Equal(t, []string{"vol-123"}, cinder.reserveCalls)
	assert.Equal(t, []string{"vol-123"}, cinder.attachCalls)
	assert.Empty(t, cinder.unreserveCalls)
	require.Len(t, fe.Calls, 1)
	assert.Equal(t, []string{"ln", "-s", "/dev/sdb", "/dev/disk/by-id/vol-123"}, fe.Calls[0])
}

func TestOsBrickConnectRollsBackOnAttachFailure(t *testing.T) {
	cinder := &fakeCinderAttachments{
		connInfo:  ConnectionInfo{DriverVolumeType: "iscsi", Data: map[string]string{"target_portal": "1.2.3.4"}},
		attachErr: errors.New("nova rejected attach"),
	}
	init := &fakeLocalInitiator{devicePath: "/dev/sdb"}
	fe := executortest.New()

	c := NewOsBrickConnector(cinder, func(string) (LocalInitiator, error) { return init, nil }, fe, "host-1")

	_, err := c.Connect(context.Background(), "vol-123", 2.0, ConnectOpts{})
	require.Error(t, err)
	assert.Equal(t, []string{"vol-123"}, cinder.reserveCalls)
	assert.Equal(t, []string{"vol-123"}, cinder.unreserveCalls)
	assert.Equal(t, 1, init.disconnectCalls)
}

func TestOsBrickConnectRollsBackOnInitializeConnectionFailure(t *testing.T) {
	cinder := &fakeCinderAttachments{
		initializeErr: errors.New("cinder unavailable"),
	}
	init := &fakeLocalInitiator{devicePath: "/dev/sdb"}
	fe := executortest.New()

	c := NewOsBrickConnector(cinder, func(string) (LocalInitiator, error) { return init, nil }, fe, "host-1")

	_, err := c.Connect(context.Background(), "vol-123", 2.0, ConnectOpts{})
	require.Error(t, err)
	assert.Equal(t, []string{"vol-123"}, cinder.reserveCalls)
	assert.Equal(t, []string{"vol-123"}, cinder.unreserveCalls)
	// InitializeConnection failed before any connection data existed, so
	// there is nothing to disconnect.
	assert.Equal(t, 0, init.disconnectCalls)
	assert.Empty(t, fe.Calls)
}

func TestOsBrickDisconnectDetachesThroughCinder(t *testing.T) {
	cinder := &fakeCinderAttachments{
		connInfo:     ConnectionInfo{DriverVolumeType: "iscsi", Data: map[string]string{"target_portal": "1.2.3.4"}},
		attachmentID: "attachment-1",
	}
	init := &fakeLocalInitiator{devicePath: "/dev/sdb"}
	fe := executortest.New()

	c := NewOsBrickConnector(cinder, func(string) (LocalInitiator, error) { return init, nil }, fe, "host-1")

	require.NoError(t, c.Disconnect(context.Background(), "vol-123"))
	assert.Equal(t, 1, init.disconnectCalls)
	assert.Equal(t, []string{"vol-123"}, cinder.detachCalls)
	require.Len(t, fe.Calls, 1)
	assert.Equal(t, []string{"rm", "-f", "/dev/disk/by-id/vol-123"}, fe.Calls[0])
}

func TestOsBrickDevicePath(t *testing.T) {
	c := NewOsBrickConnector(&fakeCinderAttachments{}, func(string) (LocalInitiator, error) { return nil, nil }, executortest.New(), "host-1")
	assert.Equal(t, "/dev/disk/by-id/vol-xyz", c.DevicePath("vol-xyz"))
}
