// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry tracks per-entity retry schedules.
//
// Every long-running entity (reserve, withdrawal group, purchase, refresh
// group, recoup group) carries an [Info], even while idle, so that due work
// can be found by scanning stored records without separate bookkeeping.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential backoff schedule with a ceiling.
type Policy struct {
	// Delta is the backoff interval for the first retry.
	Delta time.Duration
	// Base is the multiplier applied per retry.
	Base float64
	// Ceiling caps the interval between retries.
	Ceiling time.Duration
}

// DefaultPolicy matches the schedule used across all wallet operations.
var DefaultPolicy = Policy{
	Delta:   200 * time.Millisecond,
	Base:    1.5,
	Ceiling: 60 * time.Second,
}

// Info is the persisted retry state of one entity.
type Info struct {
	FirstTry  time.Time `json:"firstTry"`
	NextRetry time.Time `json:"nextRetry"`
	Counter   int       `json:"retryCounter"`
}

// NewInfo returns retry state whose first attempt is due immediately.
func NewInfo() Info {
	now := time.Now()
	return Info{FirstTry: now, NextRetry: now}
}

// Increment records a failed attempt and pushes the next retry out
// according to the policy.
func (i *Info) Increment() {
	i.IncrementWith(DefaultPolicy)
}

func (i *Info) IncrementWith(p Policy) {
	i.Counter++
	i.NextRetry = time.Now().Add(p.delay(i.Counter))
}

// Reset clears the schedule after a success; the next attempt is due
// immediately.
func (i *Info) Reset() {
	*i = NewInfo()
}

// Due reports whether the entity should be processed at the given time.
func (i Info) Due(now time.Time) bool {
	return !i.NextRetry.After(now)
}

// delay computes the interval before retry number n (1-based).
func (p Policy) delay(n int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Delta
	bo.Multiplier = p.Base
	bo.MaxInterval = p.Ceiling
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	// NewExponentialBackOff snapshots its current interval before the
	// fields above are set; Reset makes them take effect.
	bo.Reset()
	d := bo.NextBackOff()
	for k := 1; k < n; k++ {
		d = bo.NextBackOff()
	}
	return d
}
