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
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
)

const (
	iscsiDriverVolumeType = "iscsi"
	iscsiByPathDir        = "/dev/disk/by-path/"
	iscsiInitiatorFile    = "/etc/iscsi/initiatorname.iscsi"

	iscsiLoginRetries = 10
	iscsiLoginDelay   = 1 * time.Second
)

// IscsiInitiator drives iscsiadm(8) the way os-brick's ISCSIConnector does:
// discover the target portal, log in, and wait for the kernel to surface
// the resulting /dev/disk/by-path device.
type IscsiInitiator struct {
	exec executor.Interface
}

var _ LocalInitiator = &IscsiInitiator{}

// NewIscsiInitiator returns an IscsiInitiator that shells out through exec.
func NewIscsiInitiator(exec executor.Interface) *IscsiInitiator {
	return &IscsiInitiator{exec: exec}
}

// ConnectVolume logs into the portal/IQN named in data and returns the
// by-path device symlink once the kernel creates it.
func (c *IscsiInitiator) ConnectVolume(ctx context.Context, data map[string]string) (string, error) {
	portal := data["target_portal"]
	iqn := data["target_iqn"]
	lun := data["target_lun"]
	if portal == "" || iqn == "" {
		return "", fmt.Errorf("iscsi connection data missing target_portal/target_iqn: %v", data)
	}

	if _, stderr, err := c.exec.Run([]string{"iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", portal}, true); err != nil {
		return "", fmt.Errorf("iscsiadm discovery against %s: %w: %s", portal, err, stderr)
	}

	if data["auth_method"] == "CHAP" {
		for _, kv := range [][2]string{
			{"node.session.auth.authmethod", "CHAP"},
			{"node.session.auth.username", data["auth_username"]},
			{"node.session.auth.password", data["auth_password"]},
		} {
			if _, stderr, err := c.exec.Run([]string{"iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--op", "update", "-n", kv[0], "-v", kv[1]}, true); err != nil {
				return "", fmt.Errorf("iscsiadm chap setup for %s: %w: %s", iqn, err, stderr)
			}
		}
	}

	if _, stderr, err := c.exec.Run([]string{"iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--login"}, true); err != nil {
		return "", fmt.Errorf("iscsiadm login to %s %s: %w: %s", portal, iqn, err, stderr)
	}

	devicePath := fmt.Sprintf("%sip-%s-iscsi-%s-lun-%s", iscsiByPathDir, portal, iqn, lun)
	for i := 0; i < iscsiLoginRetries; i++ {
		if _, err := os.Stat(devicePath); err == nil {
			return devicePath, nil
		}
		time.Sleep(iscsiLoginDelay)
	}
	return "", fmt.Errorf("device %s did not appear after iscsi login", devicePath)
}

// DisconnectVolume logs out of the portal/IQN named in data.
func (c *IscsiInitiator) DisconnectVolume(ctx context.Context, data map[string]string) error {
	portal := data["target_portal"]
	iqn := data["target_iqn"]
	if portal == "" || iqn == "" {
		klog.V(3).Infof("iscsi disconnect missing target_portal/target_iqn, nothing to log out of")
		return nil
	}
	if _, stderr, err := c.exec.Run([]string{"iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--logout"}, true); err != nil {
		return fmt.Errorf("iscsiadm logout from %s %s: %w: %s", portal, iqn, err, stderr)
	}
	return nil
}

// ConnectorProperties reports this host's iSCSI initiator IQN, read from
// the same file iscsid itself uses.
func (c *IscsiInitiator) ConnectorProperties() map[string]string {
	props := map[string]string{"platform": "x86_64", "os_type": "linux"}
	raw, err := os.ReadFile(iscsiInitiatorFile)
	if err != nil {
		klog.Warningf("reading %s: %v", iscsiInitiatorFile, err)
		return props
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "InitiatorName="); ok {
			props["initiator"] = name
		}
	}
	return props
}
