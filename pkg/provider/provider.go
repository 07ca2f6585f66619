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

// Package provider implements the Docker volume verbs for one back-end,
// driving Connector, Mounter, and StateMonitor to reconcile a requested
// volume name against remote cloud state.
package provider

import (
	"context"
	"sync"
)

// AttachmentState is the classification of a volume's relationship to this
// host, computed fresh on every lookup.
type AttachmentState int

const (
	StateUnknown AttachmentState = iota
	StateNotAttached
	StateAttachToThis
	StateAttachToOther
)

func (s AttachmentState) String() string {
	switch s {
	case StateNotAttached:
		return "NOT_ATTACHED"
	case StateAttachToThis:
		return "ATTACH_TO_THIS"
	case StateAttachToOther:
		return "ATTACH_TO_OTHER"
	default:
		return "UNKNOWN"
	}
}

// Volume is the Docker-facing view of a provisioned volume or share.
type Volume struct {
	Name       string
	Mountpoint string
}

// Interface is the Provider contract from spec.md §4.6/§4.7. Every
// provider variant (Cinder, Manila) implements the Docker volume verbs for
// one back-end.
type Interface interface {
	// Name identifies this provider in configuration and in the
	// Docker Opts.volume_provider selector (e.g. "cinder", "manila").
	Name() string

	Create(ctx context.Context, name string, opts map[string]string) (path string, err error)
	Delete(ctx context.Context, name string) (deleted bool, err error)
	Mount(ctx context.Context, name string) (mountpoint string, err error)
	Unmount(ctx context.Context, name string) error
	List(ctx context.Context) ([]Volume, error)
	Show(ctx context.Context, name string) (*Volume, error)
	CheckExist(ctx context.Context, name string) (bool, error)
}

// nameLocks serializes mount/delete operations per Docker volume name, so
// symlink creation and mountpoint creation/removal never race for the same
// volume while different volumes proceed in parallel.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: map[string]*sync.Mutex{}}
}

func (n *nameLocks) Lock(name string) func() {
	n.mu.Lock()
	l, ok := n.locks[name]
	if !ok {
		l = &sync.Mutex{}
		n.locks[name] = l
	}
	n.mu.Unlock()

	l.Lock()
	return l.Unlock
}
