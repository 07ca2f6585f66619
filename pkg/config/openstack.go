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

// Package config loads the daemon's INI-style OpenStack/Keystone
// configuration (gcfg) and its YAML/JSON daemon defaults (viper).
package config

import (
	"os"
	"strings"

	gcfg "gopkg.in/gcfg.v1"
	"k8s.io/klog/v2"
)

// KeystoneOpts carries the identity credentials every service client is
// built from. Field names mirror python-keystoneclient's admin_* options,
// the way the original daemon's configuration file names them.
type KeystoneOpts struct {
	AuthURL         string `gcfg:"auth-url"`
	AdminUser       string `gcfg:"admin-user"`
	AdminPassword   string `gcfg:"admin-password"`
	AdminTenantName string `gcfg:"admin-tenant-name"`
	AdminToken      string `gcfg:"admin-token"`
	AuthCACert      string `gcfg:"auth-ca-cert"`
	AuthInsecure    bool   `gcfg:"auth-insecure"`
	Region          string `gcfg:"region"`
}

// CinderOpts configures the Cinder-backed volume provider.
type CinderOpts struct {
	RegionName       string `gcfg:"region-name"`
	VolumeConnector  string `gcfg:"volume-connector"` // "openstack" | "osbrick"
	AvailabilityZone string `gcfg:"availability-zone"`
	VolumeType       string `gcfg:"volume-type"`
	Fstype           string `gcfg:"fstype"`
	Multiattach      bool   `gcfg:"multiattach"`
}

// ManilaOpts configures the Manila-backed share provider.
type ManilaOpts struct {
	RegionName       string `gcfg:"region-name"`
	VolumeConnector  string `gcfg:"volume-connector"` // "osbrick"
	ShareProto       string `gcfg:"share-proto"`
	ProtoAccessType  string `gcfg:"proto-access-type-map"` // "NFS:cert,CIFS:user"
	AvailabilityZone string `gcfg:"availability-zone"`
	AccessToForCert  string `gcfg:"access-to-for-cert"`
}

// OpenStackConfig is the gcfg-decoded shape of the daemon's OpenStack
// configuration file: a [Global] Keystone section plus one section per
// back-end provider.
type OpenStackConfig struct {
	Global KeystoneOpts
	Cinder CinderOpts
	Manila ManilaOpts
}

// DefaultCinderFstype is used when no [Cinder] fstype is configured.
const DefaultCinderFstype = "ext4"

// DefaultManilaShareProto is used when no [Manila] share-proto is configured.
const DefaultManilaShareProto = "NFS"

func defaults() OpenStackConfig {
	return OpenStackConfig{
		Cinder: CinderOpts{Fstype: DefaultCinderFstype},
		Manila: ManilaOpts{ShareProto: DefaultManilaShareProto},
	}
}

// LoadOpenStackConfig reads and merges configFilePaths in order; values in
// later files overwrite values from earlier ones, mirroring multi-file
// overlay semantics used for Kubernetes' own cloud-provider config.
func LoadOpenStackConfig(configFilePaths []string) (OpenStackConfig, error) {
	cfg := defaults()

	for _, path := range configFilePaths {
		f, err := os.Open(path)
		if err != nil {
			klog.Errorf("failed to open OpenStack configuration file %s: %v", path, err)
			return cfg, err
		}
		err = gcfg.FatalOnly(gcfg.ReadInto(&cfg, f))
		f.Close()
		if err != nil {
			klog.Errorf("failed to parse OpenStack configuration file %s: %v", path, err)
			return cfg, err
		}
	}

	return cfg, nil
}

// ProtoAccessTypeMap parses the "PROTO:type,PROTO:type" form of
// [Manila] proto-access-type-map into a map. An empty string yields an
// empty map; callers fall back to per-protocol defaults.
func (m ManilaOpts) ProtoAccessTypeMap() map[string]string {
	out := map[string]string{}
	if m.ProtoAccessType == "" {
		return out
	}
	for _, pair := range strings.Split(m.ProtoAccessType, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[strings.ToUpper(kv[0])] = kv[1]
	}
	return out
}
