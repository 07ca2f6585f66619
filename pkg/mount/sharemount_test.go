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

package mount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/executor/executortest"
)

func TestMountShareCreatesMountpointAndMounts(t *testing.T) {
	fe := executortest.New()
	m := NewShareMounter(fe)

	require.NoError(t, m.MountShare(context.Background(), "NFS", "10.0.0.1:/share", "/fuxi/data/manila/vol1"))
	require.Len(t, fe.Calls, 2)
	assert.Equal(t, []string{"mkdir", "-p", "/fuxi/data/manila/vol1"}, fe.Calls[0])
	assert.Equal(t, []string{"mount", "-t", "nfs", "10.0.0.1:/share", "/fuxi/data/manila/vol1"}, fe.Calls[1])
}

func TestMountShareSurfacesMountError(t *testing.T) {
	fe := executortest.New()
	fe.SetOutput([]string{"mount", "-t", "nfs", "10.0.0.1:/share", "/mnt"}, "", "permission denied", assertErr)
	m := NewShareMounter(fe)

	err := m.MountShare(context.Background(), "NFS", "10.0.0.1:/share", "/mnt")
	require.Error(t, err)
	assert.ErrorIs(t, err, fuxierrors.ErrMount)
}

func TestUnmountShare(t *testing.T) {
	fe := executortest.New()
	m := NewShareMounter(fe)

	require.NoError(t, m.UnmountShare(context.Background(), "/fuxi/data/manila/vol1"))
	require.Len(t, fe.Calls, 1)
	assert.Equal(t, []string{"umount", "/fuxi/data/manila/vol1"}, fe.Calls[0])
}

func TestMountpointForExportFindsLiveMount(t *testing.T) {
	writeFixture(t, "10.0.0.1:/shares/share-1 /fuxi/data/manila/vol1 nfs rw,addr=10.0.0.1 0 0\n")

	m := NewShareMounter(executortest.New())
	mp, err := m.MountpointForExport("10.0.0.1:/shares/share-1")
	require.NoError(t, err)
	assert.Equal(t, "/fuxi/data/manila/vol1", mp)
}

func TestMountpointForExportEmptyWhenNotMounted(t *testing.T) {
	writeFixture(t, "")

	m := NewShareMounter(executortest.New())
	mp, err := m.MountpointForExport("10.0.0.1:/shares/share-1")
	require.NoError(t, err)
	assert.Equal(t, "", mp)
}

var assertErr = &fuxierrors.ExecutionError{Stderr: "permission denied"}
