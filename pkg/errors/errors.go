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

// Package errors defines the domain error taxonomy shared by every layer
// of the daemon, from the cloud providers down to the Docker plugin
// endpoint. Errors are sentinel values compared with errors.Is; callers
// that need extra context should wrap with fmt.Errorf("...: %w", Err...).
package errors

import "errors"

var (
	// ErrInvalidInput is returned for a missing or malformed request field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a volume or share does not exist in the
	// back-end.
	ErrNotFound = errors.New("not found")

	// ErrTooManyResources is returned when a name filter unexpectedly
	// matches more than one back-end object.
	ErrTooManyResources = errors.New("too many resources matched name filter")

	// ErrNotMatchedState is returned when an operation is attempted
	// against a volume whose attachment state forbids it.
	ErrNotMatchedState = errors.New("volume is not in the required attachment state")

	// ErrUnexpectedState is returned by StateMonitor when the polled
	// object's status is outside desired ∪ transient.
	ErrUnexpectedState = errors.New("unexpected state")

	// ErrTimeout is returned when a polling loop exceeds its deadline.
	ErrTimeout = errors.New("timed out waiting for state convergence")

	// ErrInvalidProtocol is returned for a Manila share protocol with no
	// configured access-type policy.
	ErrInvalidProtocol = errors.New("invalid or unsupported share protocol")

	// ErrInvalidAccessType is returned for an access-type not recognized
	// by the connector.
	ErrInvalidAccessType = errors.New("invalid access type")

	// ErrInvalidAccessTo is returned when the configured access_to value
	// for the resolved access type is empty.
	ErrInvalidAccessTo = errors.New("invalid access_to value")

	// ErrMakeFilesystem is returned when mkfs exits non-zero.
	ErrMakeFilesystem = errors.New("failed to create filesystem")

	// ErrMount is returned when mount exits non-zero.
	ErrMount = errors.New("failed to mount device")

	// ErrUnmount is returned when umount exits non-zero.
	ErrUnmount = errors.New("failed to unmount device")

	// ErrExecution wraps any other non-zero subprocess exit.
	ErrExecution = errors.New("command execution failed")

	// ErrUnauthorized signals expired or invalid cloud credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQuotaExceeded signals the back-end refused a create for quota
	// reasons.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrAlreadyAttached is returned when Create targets a non-multiattach
	// volume that is already attached to another host.
	ErrAlreadyAttached = errors.New("volume already attached to another host")

	// ErrDeviceNotFound is returned when the NovaAttach connector cannot
	// find a newly attached device within DEVICE_SCAN_TIMEOUT.
	ErrDeviceNotFound = errors.New("no attached device found")

	// ErrAlreadyExists is returned when a requested Docker volume name is
	// already owned by a different configured provider.
	ErrAlreadyExists = errors.New("name already owned by another backend")
)

// ExecutionError carries the exit code and captured stderr of a failed
// subprocess invocation, as spec.md's Executor contract requires.
type ExecutionError struct {
	Argv     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ErrExecution.Error()
}

func (e *ExecutionError) Unwrap() error {
	return ErrExecution
}
