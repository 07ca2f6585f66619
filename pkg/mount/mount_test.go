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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack/docker-volume-fuxi/pkg/executor/executortest"
)

func writeFixture(t *testing.T, contents string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	procMountsOverride = path
	t.Cleanup(func() { procMountsOverride = "" })
}

func TestReadMountsSkipsBlankAndShortLines(t *testing.T) {
	writeFixture(t, "/dev/vdb /fuxi/data/cinder/v1 ext4 rw,relatime 0 0\n\n/dev/short only\n")

	m := New(executortest.New())
	mounts, err := m.ReadMounts(nil, nil)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/dev/vdb", mounts[0].Device)
	assert.Equal(t, "/fuxi/data/cinder/v1", mounts[0].Mountpoint)
	assert.Equal(t, "ext4", mounts[0].Fstype)
	assert.Equal(t, "rw,relatime", mounts[0].Opts)
}

func TestReadMountsFilters(t *testing.T) {
	writeFixture(t, "tmpfs /tmp tmpfs rw 0 0\n/dev/vdb /data ext4 rw 0 0\n")

	m := New(executortest.New())
	mounts, err := m.ReadMounts(map[string]bool{"tmpfs": true}, nil)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/dev/vdb", mounts[0].Device)

	mounts, err = m.ReadMounts(nil, map[string]bool{"tmpfs": true})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/dev/vdb", mounts[0].Device)
}

func TestIsMountedAndMountpointsForDevice(t *testing.T) {
	writeFixture(t, "/dev/vdb /data/a ext4 rw 0 0\n/dev/vdb /data/b ext4 rw 0 0\n")

	m := New(executortest.New())
	ok, err := m.IsMounted("/dev/vdb", "/data/a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsMounted("/dev/vdb", "/data/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mps, err := m.MountpointsForDevice("/dev/vdb")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/data/a", "/data/b"}, mps)
}

func TestDoMountSkipsAlreadyMounted(t *testing.T) {
	writeFixture(t, "/dev/vdb /data ext4 rw 0 0\n")

	fe := executortest.New()
	m := New(fe)
	require.NoError(t, m.DoMount("/dev/vdb", "/data", "ext4"))
	assert.Empty(t, fe.Calls, "no mount/mkfs should run when already mounted")
}

func TestDoMountFormatsOnFirstMountFailure(t *testing.T) {
	writeFixture(t, "")

	fe := executortest.New()
	fe.FailNext("mount")
	m := New(fe)

	require.NoError(t, m.DoMount("/dev/vdb", "/data", "ext4"))

	require.Len(t, fe.Calls, 3)
	assert.Equal(t, []string{"mount", "-t", "ext4", "/dev/vdb", "/data"}, fe.Calls[0])
	assert.Equal(t, []string{"mkfs", "-t", "ext4", "-F", "/dev/vdb"}, fe.Calls[1])
	assert.Equal(t, []string{"mount", "-t", "ext4", "/dev/vdb", "/data"}, fe.Calls[2])
}

func TestDoMountSecondFailureIsFatal(t *testing.T) {
	writeFixture(t, "")

	fe := executortest.New()
	fe.FailNext("mount")
	fe.FailNext("mount")
	m := New(fe)

	err := m.DoMount("/dev/vdb", "/data", "ext4")
	require.Error(t, err)
}
