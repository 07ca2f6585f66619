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

package config

import (
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// DaemonConfig is the decoded [Defaults] section: everything the daemon
// itself needs that isn't specific to a cloud back-end.
type DaemonConfig struct {
	MyIP              string   `mapstructure:"my_ip"`
	FuxiPort          int      `mapstructure:"fuxi_port"`
	VolumeDir         string   `mapstructure:"volume_dir"`
	VolumeProviders   []string `mapstructure:"volume_providers"`
	VolumeFrom        string   `mapstructure:"volume_from"`
	DefaultVolumeSize int      `mapstructure:"default_volume_size"`
	Threaded          bool     `mapstructure:"threaded"`
	RootwrapConfig    string   `mapstructure:"rootwrap_config"`
}

// NewDaemonConfig returns a DaemonConfig seeded with spec.md's documented
// defaults.
func NewDaemonConfig() DaemonConfig {
	return DaemonConfig{
		FuxiPort:          7879,
		VolumeDir:         "/fuxi/data",
		VolumeFrom:        "fuxi",
		DefaultVolumeSize: 1,
		Threaded:          true,
	}
}

// LoadDaemonConfig reads configFile (if non-empty) through viper, falling
// back to environment variables and the defaults from NewDaemonConfig for
// anything the file doesn't set.
func LoadDaemonConfig(configFile string) (DaemonConfig, error) {
	conf := NewDaemonConfig()

	v := viper.New()
	v.SetEnvPrefix("fuxi")
	v.AutomaticEnv()
	v.SetDefault("fuxi_port", conf.FuxiPort)
	v.SetDefault("volume_dir", conf.VolumeDir)
	v.SetDefault("volume_from", conf.VolumeFrom)
	v.SetDefault("default_volume_size", conf.DefaultVolumeSize)
	v.SetDefault("threaded", conf.Threaded)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			klog.Errorf("failed to read daemon configuration file %s: %v", configFile, err)
			return conf, err
		}
	}

	if err := v.Unmarshal(&conf); err != nil {
		return conf, err
	}
	return conf, nil
}
