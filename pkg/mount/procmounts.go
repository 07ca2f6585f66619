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

package mount

import (
	"os"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

var (
	makeFilesystemErr = fuxierrors.ErrMakeFilesystem
	mountErr          = fuxierrors.ErrMount
	unmountErr        = fuxierrors.ErrUnmount
)

// procMountsOverride lets tests point ReadMounts at a fixture file instead
// of the real /proc/mounts.
var procMountsOverride string

func openProcMounts() (*os.File, error) {
	if procMountsOverride != "" {
		return os.Open(procMountsOverride)
	}
	return os.Open(procMountsPath)
}
