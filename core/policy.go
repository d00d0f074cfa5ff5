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

import "github.com/chronologion/mo-local/cbor"

// Policy bounds session lifetimes, the handle table, and codec limits.
type Policy struct {
	NormalSessionTTLMs   uint64
	StepUpSessionTTLMs   uint64
	MaxHandlesPerSession int
	MaxCborBytes         int
	MaxCborDepth         int
	MaxCborItems         int
}

// DefaultPolicy: 5-minute normal sessions, 60-second step-up, 256 handles,
// default codec limits.
func DefaultPolicy() Policy {
	return Policy{
		NormalSessionTTLMs:   5 * 60 * 1000,
		StepUpSessionTTLMs:   60 * 1000,
		MaxHandlesPerSession: 256,
		MaxCborBytes:         1024 * 1024,
		MaxCborDepth:         64,
		MaxCborItems:         4096,
	}
}

// Config wraps the policy; future service-level knobs join here.
type Config struct {
	Policy Policy
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{Policy: DefaultPolicy()}
}

func (p Policy) cborLimits() cbor.Limits {
	return cbor.Limits{
		MaxBytes: p.MaxCborBytes,
		MaxDepth: p.MaxCborDepth,
		MaxItems: p.MaxCborItems,
	}
}
