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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/openstack/docker-volume-fuxi/pkg/blockdevice"
	fuxiconfig "github.com/openstack/docker-volume-fuxi/pkg/config"
	"github.com/openstack/docker-volume-fuxi/pkg/connector"
	fuxierrors "github.com/openstack/docker-volume-fuxi/pkg/errors"
	"github.com/openstack/docker-volume-fuxi/pkg/executor"
	"github.com/openstack/docker-volume-fuxi/pkg/metrics"
	fuxi "github.com/openstack/docker-volume-fuxi/pkg/mount"
	fuxiopenstack "github.com/openstack/docker-volume-fuxi/pkg/openstack"
	"github.com/openstack/docker-volume-fuxi/pkg/plugin"
	"github.com/openstack/docker-volume-fuxi/pkg/provider"
)

var (
	cloudConfig  []string
	daemonConfig string
	socketPath   string
)

const (
	defaultSocketPath   = "/run/docker/plugins/fuxi.sock"
	metadataURL         = "http://169.254.169.254/openstack/latest/meta_data.json"
	metadataTimeout     = 5 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

func main() {
	if err := flag.CommandLine.Parse([]string{}); err != nil {
		klog.Fatalf("unable to parse flags: %v", err)
	}

	cmd := &cobra.Command{
		Use:   "docker-volume-fuxi",
		Short: "Docker volume plugin backing volumes with OpenStack Cinder and Manila",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flag.CommandLine.Parse(nil); err != nil {
				return fmt.Errorf("unable to parse flags: %w", err)
			}
			klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
			klog.InitFlags(klogFlags)
			cmd.Flags().VisitAll(func(f1 *pflag.Flag) {
				if f2 := klogFlags.Lookup(f1.Name); f2 != nil {
					_ = f2.Value.Set(f1.Value.String())
				}
			})
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	cmd.PersistentFlags().StringSliceVar(&cloudConfig, "cloud-config", nil, "OpenStack/Keystone configuration file(s), merged in order. This option can be given multiple times")
	if err := cmd.MarkPersistentFlagRequired("cloud-config"); err != nil {
		klog.Fatalf("unable to mark flag cloud-config required: %v", err)
	}
	cmd.PersistentFlags().StringVar(&daemonConfig, "config", "", "daemon defaults configuration file (YAML); environment variables prefixed FUXI_ also apply")
	cmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "unix socket to serve the Docker volume plugin protocol on")

	if err := cmd.Execute(); err != nil {
		klog.Fatalf("%v", err)
	}
}

func run() error {
	ctx := context.Background()

	osCfg, err := fuxiconfig.LoadOpenStackConfig(cloudConfig)
	if err != nil {
		return fmt.Errorf("loading OpenStack configuration: %w", err)
	}
	daemonCfg, err := fuxiconfig.LoadDaemonConfig(daemonConfig)
	if err != nil {
		return fmt.Errorf("loading daemon configuration: %w", err)
	}

	metrics.Register()

	exec := executor.New(rootHelper(daemonCfg))

	providers, err := buildProviders(ctx, osCfg, daemonCfg, exec)
	if err != nil {
		return fmt.Errorf("building volume providers: %w", err)
	}

	registry, err := provider.NewRegistry(providers)
	if err != nil {
		return err
	}

	srv := plugin.New(registry, socketPath)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		klog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("shutdown: %v", err)
		}
	}()

	if err := srv.Run(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func rootHelper(cfg fuxiconfig.DaemonConfig) []string {
	if cfg.RootwrapConfig == "" {
		return nil
	}
	return []string{"sudo", "fuxi-rootwrap", cfg.RootwrapConfig}
}

// buildProviders constructs one provider.Interface per entry in
// daemonCfg.VolumeProviders, in the configured order; the first entry
// becomes the Registry's default target for an unqualified Create.
func buildProviders(ctx context.Context, osCfg fuxiconfig.OpenStackConfig, daemonCfg fuxiconfig.DaemonConfig, exec executor.Interface) ([]provider.Interface, error) {
	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: osCfg.Global.AuthURL,
		Username:         osCfg.Global.AdminUser,
		Password:         osCfg.Global.AdminPassword,
		TenantName:       osCfg.Global.AdminTenantName,
		TokenID:          osCfg.Global.AdminToken,
		AllowReauth:      true,
	}

	pc, err := openstack.AuthenticatedClient(ctx, authOpts)
	if err != nil {
		return nil, fmt.Errorf("authenticating to %s: %w", osCfg.Global.AuthURL, err)
	}

	mounter := fuxi.New(exec)
	names := daemonCfg.VolumeProviders
	if len(names) == 0 {
		names = []string{"cinder"}
	}

	var providers []provider.Interface
	for _, name := range names {
		switch name {
		case "cinder":
			p, err := buildCinderProvider(ctx, pc, osCfg, daemonCfg, mounter, exec)
			if err != nil {
				return nil, fmt.Errorf("configuring cinder provider: %w", err)
			}
			providers = append(providers, p)
		case "manila":
			p, err := buildManilaProvider(pc, osCfg, daemonCfg, exec)
			if err != nil {
				return nil, fmt.Errorf("configuring manila provider: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("%w: unknown volume provider %q", fuxierrors.ErrInvalidInput, name)
		}
	}
	return providers, nil
}

func buildCinderProvider(ctx context.Context, pc *gophercloud.ProviderClient, osCfg fuxiconfig.OpenStackConfig, daemonCfg fuxiconfig.DaemonConfig, mounter *fuxi.Mounter, exec executor.Interface) (provider.Interface, error) {
	epOpts := gophercloud.EndpointOpts{Region: osCfg.Cinder.RegionName}
	if epOpts.Region == "" {
		epOpts.Region = osCfg.Global.Region
	}

	blockstorage, err := openstack.NewBlockStorageV3(pc, epOpts)
	if err != nil {
		return nil, err
	}
	compute, err := openstack.NewComputeV2(pc, epOpts)
	if err != nil {
		return nil, err
	}

	cinderClient := fuxiopenstack.NewCinderClient(blockstorage, compute)
	backend := fuxiopenstack.NewCinderBackend(cinderClient)

	var conn connector.Interface
	var hostID func() (string, error)

	switch osCfg.Cinder.VolumeConnector {
	case "", "osbrick":
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("reading local hostname: %w", err)
		}
		hostname = strings.ToLower(hostname)
		initiators := connector.NewInitiatorFactory(exec)
		conn = connector.NewOsBrickConnector(cinderClient, initiators, exec, hostname)
		hostID = func() (string, error) { return hostname, nil }
	case "openstack":
		instanceID, err := fetchInstanceID(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading local instance ID from metadata service: %w", err)
		}
		conn = connector.NewNovaAttachConnector(cinderClient, blockdeviceScanner(), exec, instanceID)
		hostID = func() (string, error) { return instanceID, nil }
	default:
		return nil, fmt.Errorf("%w: unknown cinder volume-connector %q", fuxierrors.ErrInvalidInput, osCfg.Cinder.VolumeConnector)
	}

	fstype := osCfg.Cinder.Fstype
	if fstype == "" {
		fstype = fuxiconfig.DefaultCinderFstype
	}

	return provider.NewCinderProvider(backend, conn, mounter, hostID, daemonCfg.VolumeDir, fstype, daemonCfg.DefaultVolumeSize), nil
}

func buildManilaProvider(pc *gophercloud.ProviderClient, osCfg fuxiconfig.OpenStackConfig, daemonCfg fuxiconfig.DaemonConfig, exec executor.Interface) (provider.Interface, error) {
	epOpts := gophercloud.EndpointOpts{Region: osCfg.Manila.RegionName}
	if epOpts.Region == "" {
		epOpts.Region = osCfg.Global.Region
	}

	sfs, err := openstack.NewSharedFileSystemV2(pc, epOpts)
	if err != nil {
		return nil, err
	}

	manilaClient := fuxiopenstack.NewManilaClient(sfs)
	manilaClient.SetReauthFunc(func(ctx context.Context) error {
		return openstack.Authenticate(ctx, pc, gophercloud.AuthOptions{
			IdentityEndpoint: osCfg.Global.AuthURL,
			Username:         osCfg.Global.AdminUser,
			Password:         osCfg.Global.AdminPassword,
			TenantName:       osCfg.Global.AdminTenantName,
			TokenID:          osCfg.Global.AdminToken,
			AllowReauth:      true,
		})
	})

	backend := fuxiopenstack.NewManilaBackend(manilaClient)
	access := fuxiopenstack.NewManilaShareAccess(manilaClient)
	shareMounter := fuxi.NewShareMounter(exec)

	ip, err := localIP(daemonCfg.MyIP)
	if err != nil {
		return nil, fmt.Errorf("resolving local IP for manila access rules: %w", err)
	}

	policy := buildAccessPolicy(osCfg.Manila, ip)
	conn := connector.NewManilaConnector(access, shareMounter, policy)

	proto := osCfg.Manila.ShareProto
	if proto == "" {
		proto = fuxiconfig.DefaultManilaShareProto
	}

	hostAccessTo := func() (string, error) {
		p, ok := policy[proto]
		if !ok {
			return "", fmt.Errorf("%w: %q", fuxierrors.ErrInvalidProtocol, proto)
		}
		return p.AccessTo()
	}

	return provider.NewManilaProvider(backend, conn, hostAccessTo, daemonCfg.VolumeDir, proto), nil
}

// buildAccessPolicy maps every protocol docker-volume-fuxi supports to an
// access-type/access-to pair, using cfg's proto-access-type-map override
// where given and the spec-documented per-protocol default otherwise.
func buildAccessPolicy(cfg fuxiconfig.ManilaOpts, ip string) map[string]connector.AccessPolicy {
	overrides := cfg.ProtoAccessTypeMap()
	defaultAccessType := map[string]string{
		"NFS":       "ip",
		"CIFS":      "user",
		"GLUSTERFS": "cert",
	}

	policy := map[string]connector.AccessPolicy{}
	for proto, accessType := range defaultAccessType {
		if override, ok := overrides[proto]; ok {
			accessType = override
		}
		at := accessType
		policy[proto] = connector.AccessPolicy{
			AccessType: at,
			AccessTo:   accessToFunc(at, ip, cfg.AccessToForCert),
		}
	}
	return policy
}

func accessToFunc(accessType, ip, certID string) func() (string, error) {
	return func() (string, error) {
		switch accessType {
		case "ip":
			if ip == "" {
				return "", fuxierrors.ErrInvalidAccessTo
			}
			return ip, nil
		case "cert":
			if certID == "" {
				return "", fuxierrors.ErrInvalidAccessTo
			}
			return certID, nil
		case "user":
			return os.Getenv("USER"), nil
		default:
			return "", fmt.Errorf("%w: %q", fuxierrors.ErrInvalidAccessType, accessType)
		}
	}
}

func localIP(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return hostname, nil
}

func blockdeviceScanner() *blockdevice.Scanner {
	return blockdevice.New()
}

// fetchInstanceID reads this host's Nova instance UUID from the OpenStack
// metadata service, the same link-local endpoint the in-instance metadata
// agent exposes on every OpenStack cloud.
func fetchInstanceID(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata service returned %s", resp.Status)
	}

	var body struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.UUID == "" {
		return "", fmt.Errorf("metadata service response had no uuid")
	}
	return strings.TrimSpace(body.UUID), nil
}
