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

// Package executor wraps subprocess invocation for the tools the daemon
// shells out to: mkfs, mount, umount, mkdir, rm, ln, udevadm. Every other
// component that touches the filesystem or the device tree goes through
// this interface so tests can substitute a fake that records argv and
// returns canned output, instead of touching the host.
package executor

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"
	"k8s.io/utils/exec"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

// Interface is the Executor contract from spec.md §4.1.
type Interface interface {
	Run(argv []string, asRoot bool) (stdout string, stderr string, err error)
}

// Executor runs commands directly on the host, optionally via a configured
// root helper (sudo + rootwrap, as Fuxi itself does).
type Executor struct {
	exec       exec.Interface
	rootHelper []string
}

var _ Interface = &Executor{}

// New returns an Executor. rootHelper is the argv prefix used when Run is
// called with asRoot=true, e.g. []string{"sudo", "fuxi-rootwrap", "/etc/fuxi/rootwrap.conf"}.
func New(rootHelper []string) *Executor {
	return &Executor{
		exec:       exec.New(),
		rootHelper: rootHelper,
	}
}

// Run executes argv with no shell interpretation. When asRoot is true, argv
// is prefixed with the configured root helper. stdout and stderr are
// captured together: on success the combined output is returned as stdout
// with an empty stderr; on failure it is returned as both, along with an
// *errors.ExecutionError carrying the exit code and that output.
func (e *Executor) Run(argv []string, asRoot bool) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("%w: empty argv", fuxierrors.ErrExecution)
	}

	full := argv
	if asRoot && len(e.rootHelper) > 0 {
		full = append(append([]string{}, e.rootHelper...), argv...)
	}

	klog.V(4).Infof("executing command: %s", strings.Join(full, " "))

	cmd := e.exec.Command(full[0], full[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(exec.ExitError); ok {
			exitCode = ee.ExitStatus()
		}
		execErr := &fuxierrors.ExecutionError{
			Argv:     full,
			ExitCode: exitCode,
			Stderr:   string(out),
			Err:      err,
		}
		klog.V(3).Infof("command %s failed: %v", strings.Join(full, " "), execErr)
		return string(out), string(out), execErr
	}

	return string(out), "", nil
}
