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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a snapshot into the vault directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, _, err := newService()
			if err != nil {
				return err
			}
			pass, err := readPassphrase()
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			unlock, err := ks.UnlockPassphrase(pass)
			if err != nil {
				return err
			}
			defer func() { _ = ks.Lock(unlock.SessionID) }()
			if _, err := ks.StepUp(unlock.SessionID, pass); err != nil {
				return err
			}
			if err := ks.ImportKeyVault(unlock.SessionID, blob); err != nil {
				return err
			}
			fmt.Printf("snapshot %s imported\n", in)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "keyvault.snapshot", "snapshot file")
	return cmd
}
