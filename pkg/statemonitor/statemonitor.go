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

// Package statemonitor polls an object's state until it reaches a desired
// value, tolerating a bounded sequence of known transient states along the
// way.
package statemonitor

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

// DefaultTimeout and DefaultDelay mirror the Fuxi daemon's defaults for
// polling a Cinder volume or Manila share into its desired state.
const (
	DefaultTimeout = 3 * time.Minute
	DefaultDelay   = 1 * time.Second
)

// FetchFunc retrieves the current state of the monitored object. A non-nil
// error ends Wait: it is returned as is, or as ErrTimeout once Timeout has
// elapsed.
type FetchFunc func() (state string, err error)

// Monitor polls FetchFunc until it reports DesiredState, tolerating any
// state in TransientStates in between. Any other state, or exceeding
// Timeout, is fatal.
type Monitor struct {
	Fetch            FetchFunc
	DesiredState     string
	TransientStates  []string
	Timeout          time.Duration
	Delay            time.Duration
	now              func() time.Time
}

// New returns a Monitor with the package defaults for Timeout and Delay.
func New(fetch FetchFunc, desiredState string, transientStates []string) *Monitor {
	return &Monitor{
		Fetch:           fetch,
		DesiredState:    desiredState,
		TransientStates: transientStates,
		Timeout:         DefaultTimeout,
		Delay:           DefaultDelay,
		now:             time.Now,
	}
}

// Wait blocks until the monitored object reaches DesiredState, the fetch
// reports a state outside TransientStates, the fetch fails, or Timeout
// elapses.
//
// Every time the observed state changes, TransientStates is compressed to
// start at that state's index: once progress is observed, an earlier
// transient state is no longer tolerated, so a regression is reported as an
// unexpected state rather than silently re-polled forever.
func (m *Monitor) Wait() (string, error) {
	transient := m.TransientStates
	start := m.now()

	for {
		state, err := m.Fetch()
		if err != nil {
			if m.now().Sub(start) > m.Timeout {
				return "", fmt.Errorf("%w: last fetch error: %v", fuxierrors.ErrTimeout, err)
			}
			klog.V(4).Infof("state monitor: fetch error: %v", err)
			return "", err
		}

		if state == m.DesiredState {
			return state, nil
		}

		idx := indexOf(transient, state)
		if idx < 0 {
			return "", fmt.Errorf("%w: %q", fuxierrors.ErrUnexpectedState, state)
		}
		if idx > 0 {
			transient = transient[idx:]
		}

		if m.now().Sub(start) > m.Timeout {
			return "", fmt.Errorf("%w: still in state %q after %s", fuxierrors.ErrTimeout, state, m.Timeout)
		}

		time.Sleep(m.Delay)
	}
}

func indexOf(states []string, state string) int {
	for i, s := range states {
		if s == state {
			return i
		}
	}
	return -1
}
