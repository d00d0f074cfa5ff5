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

package core

import (
	"errors"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/formats"
)

// The closed error set of the key service. Callers branch with errors.Is.
// Every cryptographic failure surfaces as the single opaque ErrCrypto; which
// check failed is never revealed.
var (
	ErrStorage             = errors.New("storage error")
	ErrInvalidCbor         = cbor.ErrInvalid
	ErrInvalidFormat       = formats.ErrFormat
	ErrCrypto              = crypto.ErrCrypto
	ErrSessionInvalid      = errors.New("session expired or invalid")
	ErrStepUpRequired      = errors.New("step-up required")
	ErrUntrustedSigner     = errors.New("scope signer not trusted")
	ErrUnknownScope        = errors.New("unknown scope")
	ErrUnknownHandle       = errors.New("unknown key handle")
	ErrResourceKeyMissing  = errors.New("resource key not found")
	ErrScopeKeyMissing     = errors.New("scope key not found")
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
)
