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

// Package plugin serves Docker's volume plugin HTTP protocol over a unix
// socket, dispatching every /VolumeDriver.* verb into a provider.Registry.
package plugin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

const contentType = "application/vnd.docker.plugins.v1+json; charset=utf-8"

// registry is the subset of provider.Registry the plugin server calls,
// narrowed so handlers can be tested against a fake.
type registry interface {
	Create(ctx context.Context, name string, opts map[string]string) (string, error)
	Remove(ctx context.Context, name string) error
	Mount(ctx context.Context, name string) (string, error)
	Unmount(ctx context.Context, name string) error
	Show(ctx context.Context, name string) (*provider.Volume, error)
	List(ctx context.Context) ([]provider.Volume, error)
	Capabilities() provider.Capabilities
}

var _ registry = &provider.Registry{}

// Server is the Docker volume-plugin HTTP daemon.
type Server struct {
	registry   registry
	socketPath string
	srv        *http.Server
}

// New returns a Server listening for Docker plugin requests on
// socketPath once Run is called.
func New(reg registry, socketPath string) *Server {
	s := &Server{registry: reg, socketPath: socketPath}

	mux := http.NewServeMux()
	mux.HandleFunc("/Plugin.Activate", s.handleActivate)
	mux.HandleFunc("/VolumeDriver.Create", s.handleCreate)
	mux.HandleFunc("/VolumeDriver.Remove", s.handleRemove)
	mux.HandleFunc("/VolumeDriver.Mount", s.handleMount)
	mux.HandleFunc("/VolumeDriver.Unmount", s.handleUnmount)
	mux.HandleFunc("/VolumeDriver.Path", s.handlePath)
	mux.HandleFunc("/VolumeDriver.Get", s.handleGet)
	mux.HandleFunc("/VolumeDriver.List", s.handleList)
	mux.HandleFunc("/VolumeDriver.Capabilities", s.handleCapabilities)

	s.srv = &http.Server{Handler: mux}
	return s
}

// Run removes any stale socket file, binds a unix listener, and blocks
// serving requests until the listener closes.
func (s *Server) Run() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0700); err != nil {
		ln.Close()
		return err
	}
	klog.Infof("listening on %s", s.socketPath)
	return s.srv.Serve(ln)
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("encoding response: %v", err)
	}
}

// errString renders err for the Err field of a Docker plugin response. A
// nil error renders as "".
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeRequest(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if r.ContentLength == 0 {
		return nil
	}
	return dec.Decode(v)
}
