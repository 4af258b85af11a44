// Package config loads the YAML settings shared by the htbench commands.
package config

import (
	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/statehistory/htbench/dbms/index/htree"
)

type Config struct {
	// Path of the history file.
	Path            string            `yaml:"path" validate:"required"`
	BlockSize       datasize.ByteSize `yaml:"block_size" validate:"required"`
	MaxChildren     int               `yaml:"max_children" validate:"gte=2"`
	ProviderVersion int32             `yaml:"provider_version"`
	TreeStart       int64             `yaml:"tree_start" validate:"gte=0"`
	NodeCacheSize   int               `yaml:"node_cache_size"`

	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. ":9100".
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type Log struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

var validate = validator.New()

func Default() Config {
	d := htree.DefaultConfig()
	return Config{
		Path:          "history.ht",
		BlockSize:     datasize.ByteSize(d.BlockSize),
		MaxChildren:   d.MaxChildren,
		NodeCacheSize: d.NodeCacheSize,
		Log:           Log{Level: "info"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.BlockSize > datasize.ByteSize(1<<30) {
		return errors.Newf("block size %s is larger than 1GB", c.BlockSize.HR())
	}
	return c.Tree().Validate()
}

// Tree returns the settings of a new history tree.
func (c Config) Tree() htree.Config {
	return htree.Config{
		BlockSize:       int(c.BlockSize.Bytes()),
		MaxChildren:     c.MaxChildren,
		ProviderVersion: c.ProviderVersion,
		TreeStart:       c.TreeStart,
		NodeCacheSize:   c.NodeCacheSize,
	}
}
