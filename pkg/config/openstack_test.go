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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadOpenStackConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConf(t, dir, "cloud.conf", `
[Global]
auth-url=https://example.com/identity/v3
admin-user=admin
admin-password=secret
admin-tenant-name=service
region=RegionOne

[Cinder]
region-name=RegionOne
volume-connector=osbrick

[Manila]
share-proto=CIFS
`)

	cfg, err := LoadOpenStackConfig([]string{path})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/identity/v3", cfg.Global.AuthURL)
	assert.Equal(t, "admin", cfg.Global.AdminUser)
	assert.Equal(t, "osbrick", cfg.Cinder.VolumeConnector)
	assert.Equal(t, "CIFS", cfg.Manila.ShareProto)
	// fstype wasn't set in the file, so the ext4 default survives.
	assert.Equal(t, DefaultCinderFstype, cfg.Cinder.Fstype)
}

func TestLoadOpenStackConfigMergesMultipleFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := writeConf(t, dir, "base.conf", `
[Global]
admin-user=admin
region=RegionOne
`)
	override := writeConf(t, dir, "override.conf", `
[Global]
region=RegionTwo
`)

	cfg, err := LoadOpenStackConfig([]string{base, override})
	require.NoError(t, err)

	assert.Equal(t, "admin", cfg.Global.AdminUser)
	assert.Equal(t, "RegionTwo", cfg.Global.Region)
}

func TestProtoAccessTypeMap(t *testing.T) {
	m := ManilaOpts{ProtoAccessType: "NFS:ip, CIFS:user"}
	assert.Equal(t, map[string]string{"NFS": "ip", "CIFS": "user"}, m.ProtoAccessTypeMap())

	empty := ManilaOpts{}
	assert.Empty(t, empty.ProtoAccessTypeMap())
}
