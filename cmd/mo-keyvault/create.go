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

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

func newCreateCmd() *cobra.Command {
	var userID string
	var device string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new vault and initialize its identity keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, _, err := newService()
			if err != nil {
				return err
			}
			pass, err := readPassphrase()
			if err != nil {
				return err
			}
			kdf, err := crypto.NewRandomKdfParams()
			if err != nil {
				return err
			}
			if err := ks.CreateVault(types.UserID(userID), pass, kdf); err != nil {
				return err
			}
			unlock, err := ks.UnlockPassphrase(pass)
			if err != nil {
				return err
			}
			if err := ks.InitIdentity(unlock.SessionID, types.DeviceID(device)); err != nil {
				return err
			}
			if err := ks.Lock(unlock.SessionID); err != nil {
				return err
			}
			fmt.Printf("vault created for %s (device %s)\n", userID, device)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user identifier")
	cmd.Flags().StringVar(&device, "device", "device-1", "device identifier for the signing keypair")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
