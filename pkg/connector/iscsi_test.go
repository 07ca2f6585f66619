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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/executor/executortest"
)

func TestIscsiConnectVolumeRequiresPortalAndIqn(t *testing.T) {
	fe := executortest.New()
	init := NewIscsiInitiator(fe)

	_, err := init.ConnectVolume(context.Background(), map[string]string{"target_portal": "1.2.3.4:3260"})
	require.Error(t, err)
	assert.Empty(t, fe.Calls)
}

func TestIscsiConnectVolumeSurfacesDiscoveryFailure(t *testing.T) {
	fe := executortest.New()
	fe.SetOutput([]string{"iscsiadm", "-m", "discovery", "-t", "sendtargets", "-p", "1.2.3.4:3260"}, "", "no route to host", &fuxierrors.ExecutionError{Stderr: "no route to host"})
	init := NewIscsiInitiator(fe)

	_, err := init.ConnectVolume(context.Background(), map[string]string{
		"target_portal": "1.2.3.4:3260",
		"target_iqn":    "iqn.2010-10.org.openstack:volume-123",
	})
	require.Error(t, err)
	require.Len(t, fe.Calls, 1)
}

func TestIscsiDisconnectVolumeLogsOut(t *testing.T) {
	fe := executortest.New()
	init := NewIscsiInitiator(fe)

	err := init.DisconnectVolume(context.Background(), map[string]string{
		"target_portal": "1.2.3.4:3260",
		"target_iqn":    "iqn.2010-10.org.openstack:volume-123",
	})
	require.NoError(t, err)
	require.Len(t, fe.Calls, 1)
	assert.Equal(t, []string{"iscsiadm", "-m", "node", "-p", "1.2.3.4:3260", "-T", "iqn.2010-10.org.openstack:volume-123", "--logout"}, fe.Calls[0])
}

func TestIscsiDisconnectVolumeNoOpWithoutTarget(t *testing.T) {
	fe := executortest.New()
	init := NewIscsiInitiator(fe)

	require.NoError(t, init.DisconnectVolume(context.Background(), map[string]string{}))
	assert.Empty(t, fe.Calls)
}

func TestIscsiConnectorPropertiesDefaultsWithoutInitiatorFile(t *testing.T) {
	init := NewIscsiInitiator(executortest.New())
	props := init.ConnectorProperties()
	assert.Equal(t, "linux", props["os_type"])
}

func TestInitiatorFactoryResolvesIscsi(t *testing.T) {
	factory := NewInitiatorFactory(executortest.New())

	init, err := factory("iscsi")
	require.NoError(t, err)
	assert.IsType(t, &IscsiInitiator{}, init)

	init, err = factory("")
	require.NoError(t, err)
	assert.IsType(t, &IscsiInitiator{}, init)

	_, err = factory("rbd")
	assert.Error(t, err)
}
