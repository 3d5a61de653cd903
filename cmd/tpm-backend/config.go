// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/canonical/go-tpmbackend"
	"github.com/canonical/go-tpmbackend/chardev"
	"github.com/canonical/go-tpmbackend/emulator"
)

const envPrefix = "TPMBACKEND"

type config struct {
	tpmbackend.Options `mapstructure:",squash"`

	// Socket is the path of the emulator's control socket. If it is
	// empty, the chardev named by Chardev must already be registered.
	Socket string `mapstructure:"socket"`

	BufferSize int  `mapstructure:"buffer-size"`
	Debug      bool `mapstructure:"debug"`
}

// loadConfig reads the configuration from the config file named by the
// "config" key, if there is one, and from the environment, with flags
// taking precedence over both.
func loadConfig(v *viper.Viper, logOutput io.Writer) (*config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := new(config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(logOutput)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true})
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	cfg.Logger = logger

	return cfg, nil
}

// openBackend creates the backend described by cfg and adds it to the
// default registry. The returned function closes it again.
func openBackend(cfg *config) (b *tpmbackend.Backend, closeFn func() error, err error) {
	var sock *chardev.Socket
	if cfg.Type == emulator.DriverType && cfg.Socket != "" {
		sock, err = chardev.Dial(cfg.Socket)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot connect to TPM emulator: %w", err)
		}
		if err := chardev.Register(cfg.Chardev, sock); err != nil {
			sock.Close()
			return nil, nil, err
		}
	}
	releaseChardev := func() {
		if sock == nil {
			return
		}
		chardev.Unregister(cfg.Chardev)
		sock.Close()
	}

	b, err = tpmbackend.New(cfg.Options)
	if err != nil {
		releaseChardev()
		return nil, nil, err
	}
	if err := tpmbackend.DefaultRegistry.Add(b); err != nil {
		b.Close()
		releaseChardev()
		return nil, nil, err
	}

	return b, func() error {
		defer releaseChardev()
		return tpmbackend.DefaultRegistry.Cleanup()
	}, nil
}
