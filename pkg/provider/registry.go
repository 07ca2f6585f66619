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

package provider

import (
	"context"
	"fmt"

	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
)

// Capabilities is the Docker plugin capability response; this daemon only
// ever reports a global scope.
type Capabilities struct {
	Scope string
}

// Registry is an insertion-ordered mapping from provider name to Interface,
// read-only after construction. It implements the cross-backend dispatch
// rules from spec.md §4.8.
type Registry struct {
	order     []string
	providers map[string]Interface
}

// NewRegistry builds a Registry from an ordered list of already-constructed
// providers. An empty list is a fatal startup error.
func NewRegistry(providers []Interface) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no volume providers configured", fuxierrors.ErrInvalidInput)
	}
	r := &Registry{providers: map[string]Interface{}}
	for _, p := range providers {
		r.order = append(r.order, p.Name())
		r.providers[p.Name()] = p
	}
	return r, nil
}

func (r *Registry) first() Interface {
	return r.providers[r.order[0]]
}

// Create resolves the target provider by opts["volume_provider"], or the
// first configured provider if unset. Every other provider is consulted
// first; if any already owns name, Create refuses.
func (r *Registry) Create(ctx context.Context, name string, opts map[string]string) (string, error) {
	target := r.first()
	if want, ok := opts["volume_provider"]; ok && want != "" {
		p, ok := r.providers[want]
		if !ok {
			return "", fmt.Errorf("%w: unknown volume_provider %q", fuxierrors.ErrInvalidInput, want)
		}
		target = p
	}

	for _, pname := range r.order {
		p := r.providers[pname]
		if p == target {
			continue
		}
		exists, err := p.CheckExist(ctx, name)
		if err != nil {
			return "", err
		}
		if exists {
			return "", fmt.Errorf("%w: volume %q already owned by provider %q", fuxierrors.ErrAlreadyExists, name, p.Name())
		}
	}

	return target.Create(ctx, name, opts)
}

// Remove walks providers in order; the first whose Delete reports true
// wins. Docker semantics: absence of the volume is still success.
func (r *Registry) Remove(ctx context.Context, name string) error {
	for _, pname := range r.order {
		deleted, err := r.providers[pname].Delete(ctx, name)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}
	}
	return nil
}

// Mount walks providers in order and dispatches to the first that reports
// ownership of name.
func (r *Registry) Mount(ctx context.Context, name string) (string, error) {
	for _, pname := range r.order {
		p := r.providers[pname]
		exists, err := p.CheckExist(ctx, name)
		if err != nil {
			return "", err
		}
		if exists {
			return p.Mount(ctx, name)
		}
	}
	return "", fmt.Errorf("%w: volume %q", fuxierrors.ErrNotFound, name)
}

// Unmount is a no-op success regardless of ownership.
func (r *Registry) Unmount(ctx context.Context, name string) error {
	return nil
}

// Show walks providers in order and returns the first successful Show.
func (r *Registry) Show(ctx context.Context, name string) (*Volume, error) {
	var lastErr error
	for _, pname := range r.order {
		v, err := r.providers[pname].Show(ctx, name)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// List concatenates List() from every configured provider.
func (r *Registry) List(ctx context.Context) ([]Volume, error) {
	var out []Volume
	for _, pname := range r.order {
		vols, err := r.providers[pname].List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, vols...)
	}
	return out, nil
}

// Capabilities is constant: this daemon is always globally scoped.
func (r *Registry) Capabilities() Capabilities {
	return Capabilities{Scope: "global"}
}
