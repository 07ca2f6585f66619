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
	"fmt"

	"github.com/openstack/docker-volume-fuxi/pkg/executor"
)

// NewInitiatorFactory returns an InitiatorFactory that resolves driver
// volume types to the initiators this daemon supports. An empty
// driverVolumeType (OsBrickConnector.resolveInitiator's host-property-only
// lookup) resolves to iSCSI, the only initiator implemented.
func NewInitiatorFactory(exec executor.Interface) InitiatorFactory {
	iscsi := NewIscsiInitiator(exec)
	return func(driverVolumeType string) (LocalInitiator, error) {
		switch driverVolumeType {
		case "", iscsiDriverVolumeType:
			return iscsi, nil
		default:
			return nil, fmt.Errorf("unsupported cinder driver_volume_type %q", driverVolumeType)
		}
	}
}
