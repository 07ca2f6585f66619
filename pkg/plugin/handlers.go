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
	"net/http"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

type activateResponse struct {
	Implements []string
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	klog.V(4).Infof("/Plugin.Activate")
	writeJSON(w, http.StatusOK, activateResponse{Implements: []string{"VolumeDriver"}})
}

type nameRequest struct {
	Name string
	Opts map[string]interface{}
}

type errResponse struct {
	Err string
}

// stringOpts converts Opts' loosely-typed JSON values (bools, numbers,
// strings) into the map[string]string provider.Interface expects. Bools
// become "true"/"false".
func stringOpts(raw map[string]interface{}) (map[string]string, error) {
	out := map[string]string{}
	if raw == nil {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.DecodeHookFuncKind(func(from, to reflect.Kind, data interface{}) (interface{}, error) {
			if from == reflect.Bool && to == reflect.String {
				return strconv.FormatBool(data.(bool)), nil
			}
			return data, nil
		}),
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Create name=%s opts=%v", req.Name, req.Opts)

	if req.Name == "" {
		writeJSON(w, http.StatusOK, errResponse{Err: "Name is required"})
		return
	}
	opts, err := stringOpts(req.Opts)
	if err != nil {
		writeJSON(w, http.StatusOK, errResponse{Err: err.Error()})
		return
	}

	_, err = s.registry.Create(r.Context(), req.Name, opts)
	writeJSON(w, http.StatusOK, errResponse{Err: errString(err)})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Remove name=%s", req.Name)

	if req.Name == "" {
		writeJSON(w, http.StatusOK, errResponse{Err: "Name is required"})
		return
	}

	err := s.registry.Remove(r.Context(), req.Name)
	writeJSON(w, http.StatusOK, errResponse{Err: errString(err)})
}

type mountpointResponse struct {
	Mountpoint string
	Err        string
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Mount name=%s", req.Name)

	if req.Name == "" {
		writeJSON(w, http.StatusOK, mountpointResponse{Err: "Name is required"})
		return
	}

	mountpoint, err := s.registry.Mount(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, mountpointResponse{Err: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mountpointResponse{Mountpoint: mountpoint})
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Unmount name=%s", req.Name)

	err := s.registry.Unmount(r.Context(), req.Name)
	writeJSON(w, http.StatusOK, errResponse{Err: errString(err)})
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Path name=%s", req.Name)

	if req.Name == "" {
		writeJSON(w, http.StatusOK, mountpointResponse{Err: "Name is required"})
		return
	}

	vol, err := s.registry.Show(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, mountpointResponse{Err: "Mountpoint Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, mountpointResponse{Mountpoint: vol.Mountpoint})
}

type volumeResponse struct {
	Volume *provider.Volume `json:"Volume,omitempty"`
	Err    string
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errResponse{Err: err.Error()})
		return
	}
	klog.V(3).Infof("/VolumeDriver.Get name=%s", req.Name)

	if req.Name == "" {
		writeJSON(w, http.StatusOK, volumeResponse{Err: "Name is required"})
		return
	}

	vol, err := s.registry.Show(r.Context(), req.Name)
	if err != nil {
		writeJSON(w, http.StatusOK, volumeResponse{Err: "Volume Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, volumeResponse{Volume: vol})
}

type listResponse struct {
	Volumes []provider.Volume
	Err     string
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	klog.V(3).Infof("/VolumeDriver.List")
	vols, err := s.registry.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, listResponse{Err: err.Error()})
		return
	}
	if vols == nil {
		vols = []provider.Volume{}
	}
	writeJSON(w, http.StatusOK, listResponse{Volumes: vols})
}

type capabilitiesResponse struct {
	Capabilities provider.Capabilities
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	klog.V(4).Infof("/VolumeDriver.Capabilities")
	writeJSON(w, http.StatusOK, capabilitiesResponse{Capabilities: s.registry.Capabilities()})
}
