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

package blockdevice

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBlockDir(t *testing.T, root, name string, sectors, sectorSize uint64) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "queue"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "size"), []byte(strconv.FormatUint(sectors, 10)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue", "hw_sector_size"), []byte(strconv.FormatUint(sectorSize, 10)), 0644))
}

func TestScanAndDiff(t *testing.T) {
	root := t.TempDir()
	makeBlockDir(t, root, "vda", 2097152, 512)
	s := NewWithRoot(root)

	before, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, before, 1)

	makeBlockDir(t, root, "vdb", 2097152, 512)
	after, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, after, 2)

	added := Diff(before, after)
	require.Len(t, added, 1)
	assert.Equal(t, filepath.Join(root, "vdb"), added[0])
}

func TestSizeGiB(t *testing.T) {
	root := t.TempDir()
	makeBlockDir(t, root, "vdb", 2097152, 512)
	s := NewWithRoot(root)

	size, err := s.SizeGiB(filepath.Join(root, "vdb"))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, size, 0.001)
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, "/dev/vdb", DevicePath("/sys/block/vdb"))
}
