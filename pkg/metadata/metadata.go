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

// Package metadata discovers the local compute instance's UUID, trying the
// cloud-init instance directory first, then the metadata service, then a
// mounted config-drive, in that order. The daemon itself also runs inside
// the instance it's discovering, so the result is cached for the process
// lifetime once found.
package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

const (
	metadataServiceBase = "http://169.254.169.254/openstack"
	cloudInitDir         = "/var/lib/cloud/instances"
	configDriveLabel     = "config-2"
	configDriveMount     = "/tmp/fuxi-config-drive"

	httpTimeout = 10 * time.Second
)

var uuidLike = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Provider resolves the local instance's identity.
type Provider interface {
	InstanceID() (string, error)
}

type instanceMetadata struct {
	UUID string `json:"uuid"`
}

// Service tries, in order, the cloud-init instance directory, the metadata
// service (newest API version first), and a mounted config-drive.
type Service struct {
	exec executor.Interface

	cloudInitDir string
	metadataBase string
	httpClient   *http.Client

	mu     sync.Mutex
	cached string
}

var _ Provider = &Service{}

// New returns a Service using the real filesystem paths and metadata
// service endpoint.
func New(exec executor.Interface) *Service {
	return &Service{
		exec:         exec,
		cloudInitDir: cloudInitDir,
		metadataBase: metadataServiceBase,
		httpClient:   &http.Client{Timeout: httpTimeout},
	}
}

// InstanceID returns the local compute instance's UUID, trying each
// strategy in order and caching the first success.
func (s *Service) InstanceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	if id, err := s.fromCloudInit(); err == nil {
		s.cached = id
		return id, nil
	}

	if id, err := s.fromMetadataService(); err == nil {
		s.cached = id
		return id, nil
	}

	id, err := s.fromConfigDrive()
	if err != nil {
		return "", fmt.Errorf("%w: could not determine instance id from cloud-init, metadata service, or config drive: %v", fuxierrors.ErrNotFound, err)
	}
	s.cached = id
	return id, nil
}

// fromCloudInit lists /var/lib/cloud/instances and returns the first
// UUID-like directory name found.
func (s *Service) fromCloudInit() (string, error) {
	entries, err := os.ReadDir(s.cloudInitDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if uuidLike.MatchString(e.Name()) {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("no uuid-like entries under %s", s.cloudInitDir)
}

// fromMetadataService queries the instance metadata service's list of
// supported API versions, then walks them newest-first looking for a
// meta_data.json with a uuid field.
func (s *Service) fromMetadataService() (string, error) {
	versions, err := s.apiVersions()
	if err != nil {
		return "", err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	var lastErr error
	for _, v := range versions {
		url := fmt.Sprintf("%s/%s/meta_data.json", s.metadataBase, v)
		md, err := s.getMetadata(url)
		if err != nil {
			lastErr = err
			continue
		}
		if md.UUID != "" {
			return md.UUID, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("no metadata api version reported a uuid")
}

func (s *Service) apiVersions() ([]string, error) {
	resp, err := s.httpClient.Get(s.metadataBase)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(body)), nil
}

func (s *Service) getMetadata(url string) (*instanceMetadata, error) {
	resp, err := s.httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata service returned %d for %s", resp.StatusCode, url)
	}
	var md instanceMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, err
	}
	return &md, nil
}

// fromConfigDrive mounts the config-2 labeled device read-only and reads
// meta_data.json off it, supplementing the strategies the original daemon
// shipped with one more fallback for hosts with neither cloud-init state
// nor network access to the metadata service.
func (s *Service) fromConfigDrive() (string, error) {
	if err := os.MkdirAll(configDriveMount, 0755); err != nil {
		return "", err
	}

	device, _, err := s.exec.Run([]string{"blkid", "-t", "LABEL=" + configDriveLabel, "-odevice"}, false)
	if err != nil {
		return "", fmt.Errorf("config drive device not found: %w", err)
	}
	device = strings.TrimSpace(device)
	if device == "" {
		return "", fmt.Errorf("no block device labeled %s", configDriveLabel)
	}

	if _, _, err := s.exec.Run([]string{"mount", "-o", "ro", device, configDriveMount}, true); err != nil {
		return "", fmt.Errorf("mounting config drive: %w", err)
	}
	defer func() {
		if _, _, err := s.exec.Run([]string{"umount", configDriveMount}, true); err != nil {
			klog.Warningf("failed to unmount config drive at %s: %v", configDriveMount, err)
		}
	}()

	versions, err := os.ReadDir(filepath.Join(configDriveMount, "openstack"))
	if err != nil {
		return "", err
	}
	var names []string
	for _, v := range versions {
		if v.IsDir() {
			names = append(names, v.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, v := range names {
		path := filepath.Join(configDriveMount, "openstack", v, "meta_data.json")
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var md instanceMetadata
		if err := json.Unmarshal(b, &md); err != nil {
			continue
		}
		if md.UUID != "" {
			return md.UUID, nil
		}
	}
	return "", fmt.Errorf("no meta_data.json with a uuid found on config drive")
}

