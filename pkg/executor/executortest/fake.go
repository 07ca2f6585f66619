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

// Package executortest provides an in-memory executor.Interface for tests,
// per spec.md §9's design note: "tests substitute an in-memory executor
// that records argv and returns canned output."
package executortest

import (
	"fmt"
	"strings"
	"sync"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

// Fake is a test double for executor.Interface.
type Fake struct {
	mu sync.Mutex

	// Calls records every argv passed to Run, in order (root prefix
	// already stripped by the caller's configuration, since tests
	// construct Fake with no root helper).
	Calls [][]string

	// Outputs maps a joined argv string to a canned (stdout, stderr, err)
	// response. Unmatched calls succeed with empty output.
	Outputs map[string]fakeResult

	// failQueue holds argv-prefix markers that should fail exactly once,
	// in FIFO order, the next time that command name is invoked.
	failQueue []string
}

type fakeResult struct {
	Stdout string
	Stderr string
	Err    error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{Outputs: map[string]fakeResult{}}
}

// FailNext arranges for the next invocation of the named command (argv[0])
// to fail with an ExecutionError.
func (f *Fake) FailNext(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failQueue = append(f.failQueue, command)
}

// SetOutput sets the canned response for an exact argv.
func (f *Fake) SetOutput(argv []string, stdout, stderr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outputs[key(argv)] = fakeResult{Stdout: stdout, Stderr: stderr, Err: err}
}

func key(argv []string) string {
	return strings.Join(argv, "\x00")
}

// Run implements executor.Interface.
func (f *Fake) Run(argv []string, asRoot bool) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, append([]string{}, argv...))

	if len(argv) > 0 {
		for i, cmd := range f.failQueue {
			if cmd == argv[0] {
				f.failQueue = append(f.failQueue[:i], f.failQueue[i+1:]...)
				return "", "boom", &fuxierrors.ExecutionError{
					Argv:     argv,
					ExitCode: 1,
					Stderr:   "boom",
					Err:      fmt.Errorf("fake failure for %s", argv[0]),
				}
			}
		}
	}

	if res, ok := f.Outputs[key(argv)]; ok {
		return res.Stdout, res.Stderr, res.Err
	}

	return "", "", nil
}
