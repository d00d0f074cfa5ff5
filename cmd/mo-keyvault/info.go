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

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/formats"
	"github.com/chronologion/mo-local/pkg/storage/fs"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show vault metadata without unlocking",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := newService()
			if err != nil {
				return err
			}
			store, err := fs.NewStore(cfg.Storage.Directory)
			if err != nil {
				return err
			}
			headerBytes, found, err := store.Get("keyvault", "header")
			if err != nil {
				return err
			}
			if !found {
				return errors.New("no vault in " + cfg.Storage.Directory)
			}
			header, err := formats.DecodeKeyVaultHeaderV1(headerBytes)
			if err != nil {
				return err
			}
			fmt.Printf("vault_id: %s\n", header.VaultID)
			fmt.Printf("user_id:  %s\n", header.UserID)
			fmt.Printf("kdf:      %s (memory %d KiB, iterations %d)\n", header.Kdf.ID, header.Kdf.MemoryKiB, header.Kdf.Iterations)
			fmt.Printf("aead:     %s\n", header.Aead)
			fmt.Printf("records:  %d\n", len(header.Records))
			return nil
		},
	}
}
