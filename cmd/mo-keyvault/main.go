// mo-local - client-side key service core
// Copyright (C) 2025 Chronologion
//
// This file is part of mo-local.
//
// mo-local is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// mo-local is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with mo-local. If not, see <https://www.gnu.org/licenses/>.

// mo-keyvault manages a file-backed keyvault from the command line. It is a
// thin consumer of the public key service API; nothing here touches key
// material directly.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/adapters"
	"github.com/chronologion/mo-local/config"
	"github.com/chronologion/mo-local/core"
	"github.com/chronologion/mo-local/internal/logger"
	"github.com/chronologion/mo-local/pkg/storage/fs"
)

var (
	configPath string
	storeDir   string
	passphrase string
)

func main() {
	root := &cobra.Command{
		Use:           "mo-keyvault",
		Short:         "Manage a local encrypted keyvault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&storeDir, "store-dir", "", "vault directory (overrides config)")
	root.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (or MO_PASSPHRASE)")

	root.AddCommand(
		newCreateCmd(),
		newUnlockCmd(),
		newExportCmd(),
		newImportCmd(),
		newInfoCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newService() (*core.KeyService, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if storeDir != "" {
		cfg.Storage.Directory = storeDir
	}
	store, err := fs.NewStore(cfg.Storage.Directory)
	if err != nil {
		return nil, nil, err
	}
	ks := core.New(store, adapters.SystemClock{}, adapters.SystemEntropy{}, cfg.CoreConfig())
	ks.SetLogger(logger.New(os.Stderr, logger.ParseLevel(cfg.Logging.Level)))
	return ks, cfg, nil
}

func readPassphrase() ([]byte, error) {
	if passphrase != "" {
		return []byte(passphrase), nil
	}
	if env := os.Getenv("MO_PASSPHRASE"); env != "" {
		return []byte(env), nil
	}
	return nil, errors.New("no passphrase: pass --passphrase or set MO_PASSPHRASE")
}
