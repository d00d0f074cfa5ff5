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

// Package metrics collects in-process operation counters for the key
// service. Hosts read a snapshot; nothing is exported over the network.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates operation counts since construction.
type Collector struct {
	mu sync.Mutex

	unlocks             int64
	unlockFailures      int64
	stepUps             int64
	scopeStatesIngested int64
	envelopesIngested   int64
	recordsAppended     int64
	signatures          int64
	verifications       int64
	verifyFailures      int64

	startTime time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Unlocks             int64
	UnlockFailures      int64
	StepUps             int64
	ScopeStatesIngested int64
	EnvelopesIngested   int64
	RecordsAppended     int64
	Signatures          int64
	Verifications       int64
	VerifyFailures      int64
	Uptime              time.Duration
}

// NewCollector returns a zeroed collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordUnlock counts an unlock attempt.
func (c *Collector) RecordUnlock(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.unlocks++
	} else {
		c.unlockFailures++
	}
}

// RecordStepUp counts a successful step-up.
func (c *Collector) RecordStepUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepUps++
}

// RecordScopeStateIngested counts an accepted scope state.
func (c *Collector) RecordScopeStateIngested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopeStatesIngested++
}

// RecordEnvelopeIngested counts an accepted key envelope.
func (c *Collector) RecordEnvelopeIngested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopesIngested++
}

// RecordRecordAppended counts one ledger append.
func (c *Collector) RecordRecordAppended() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordsAppended++
}

// RecordSignature counts a signing operation.
func (c *Collector) RecordSignature() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures++
}

// RecordVerification counts a verification and its outcome.
func (c *Collector) RecordVerification(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifications++
	if !ok {
		c.verifyFailures++
	}
}

// Snapshot copies the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Unlocks:             c.unlocks,
		UnlockFailures:      c.unlockFailures,
		StepUps:             c.stepUps,
		ScopeStatesIngested: c.scopeStatesIngested,
		EnvelopesIngested:   c.envelopesIngested,
		RecordsAppended:     c.recordsAppended,
		Signatures:          c.signatures,
		Verifications:       c.verifications,
		VerifyFailures:      c.verifyFailures,
		Uptime:              time.Since(c.startTime),
	}
}
