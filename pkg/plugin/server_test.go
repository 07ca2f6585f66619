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

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

type fakeRegistry struct {
	createOpts map[string]string
	createErr  error
	removeErr  error
	mountpoint string
	mountErr   error
	showVol    *provider.Volume
	showErr    error
	listVols   []provider.Volume
	listErr    error
}

func (f *fakeRegistry) Create(ctx context.Context, name string, opts map[string]string) (string, error) {
	f.createOpts = opts
	return "", f.createErr
}

func (f *fakeRegistry) Remove(ctx context.Context, name string) error { return f.removeErr }

func (f *fakeRegistry) Mount(ctx context.Context, name string) (string, error) {
	return f.mountpoint, f.mountErr
}

func (f *fakeRegistry) Unmount(ctx context.Context, name string) error { return nil }

func (f *fakeRegistry) Show(ctx context.Context, name string) (*provider.Volume, error) {
	return f.showVol, f.showErr
}

func (f *fakeRegistry) List(ctx context.Context) ([]provider.Volume, error) {
	return f.listVols, f.listErr
}

func (f *fakeRegistry) Capabilities() provider.Capabilities {
	return provider.Capabilities{Scope: "global"}
}

func doRequest(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.ContentLength = int64(len(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestActivate(t *testing.T) {
	s := New(&fakeRegistry{}, "")
	rec := doRequest(t, s, "/Plugin.Activate", "")
	assert.Equal(t, contentType, rec.Header().Get("Content-Type"))
	var resp activateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"VolumeDriver"}, resp.Implements)
}

func TestCreatePassesStringifiedOpts(t *testing.T) {
	reg := &fakeRegistry{}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.Create", `{"Name":"vol1","Opts":{"size":5,"multiattach":true,"fstype":"ext4"}}`)

	var resp errResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Err)
	assert.Equal(t, "5", reg.createOpts["size"])
	assert.Equal(t, "true", reg.createOpts["multiattach"])
	assert.Equal(t, "ext4", reg.createOpts["fstype"])
}

func TestCreateRequiresName(t *testing.T) {
	s := New(&fakeRegistry{}, "")
	rec := doRequest(t, s, "/VolumeDriver.Create", `{"Opts":{}}`)

	var resp errResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Err)
}

func TestCreateSurfacesProviderError(t *testing.T) {
	reg := &fakeRegistry{createErr: errors.New("name already owned by another backend")}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.Create", `{"Name":"vol1"}`)

	var resp errResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "name already owned by another backend", resp.Err)
}

func TestRemoveIsAlwaysSuccessOnNotFound(t *testing.T) {
	s := New(&fakeRegistry{}, "")
	rec := doRequest(t, s, "/VolumeDriver.Remove", `{"Name":"vol1"}`)

	var resp errResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Err)
}

func TestMountReturnsMountpoint(t *testing.T) {
	reg := &fakeRegistry{mountpoint: "/fuxi/data/cinder/vol1"}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.Mount", `{"Name":"vol1"}`)

	var resp mountpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "/fuxi/data/cinder/vol1", resp.Mountpoint)
	assert.Empty(t, resp.Err)
}

func TestPathNotFound(t *testing.T) {
	reg := &fakeRegistry{showErr: errors.New("not found")}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.Path", `{"Name":"vol1"}`)

	var resp mountpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Mountpoint Not Found", resp.Err)
}

func TestGetReturnsVolume(t *testing.T) {
	reg := &fakeRegistry{showVol: &provider.Volume{Name: "vol1", Mountpoint: "/fuxi/data/cinder/vol1"}}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.Get", `{"Name":"vol1"}`)

	var resp volumeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Volume)
	assert.Equal(t, "vol1", resp.Volume.Name)
}

func TestListConcatenatesVolumes(t *testing.T) {
	reg := &fakeRegistry{listVols: []provider.Volume{{Name: "a"}, {Name: "b"}}}
	s := New(reg, "")
	rec := doRequest(t, s, "/VolumeDriver.List", ``)

	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Volumes, 2)
}

func TestListRendersEmptyArrayNotNull(t *testing.T) {
	s := New(&fakeRegistry{}, "")
	rec := doRequest(t, s, "/VolumeDriver.List", ``)
	assert.Contains(t, rec.Body.String(), `"Volumes":[]`)
}

func TestCapabilities(t *testing.T) {
	s := New(&fakeRegistry{}, "")
	rec := doRequest(t, s, "/VolumeDriver.Capabilities", ``)

	var resp capabilitiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "global", resp.Capabilities.Scope)
}
