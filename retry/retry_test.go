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

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewInfoDueImmediately(t *testing.T) {
	i := NewInfo()
	require.True(t, i.Due(time.Now()))
	require.Equal(t, 0, i.Counter)
}

func TestIncrementPushesOut(t *testing.T) {
	i := NewInfo()
	i.Increment()
	require.Equal(t, 1, i.Counter)
	require.False(t, i.Due(time.Now()))
	require.True(t, i.Due(time.Now().Add(time.Second)))
}

func TestDelayGrowsAndSaturates(t *testing.T) {
	p := Policy{Delta: 200 * time.Millisecond, Base: 1.5, Ceiling: time.Second}
	require.Equal(t, 200*time.Millisecond, p.delay(1))
	require.Equal(t, 300*time.Millisecond, p.delay(2))
	require.Equal(t, 450*time.Millisecond, p.delay(3))
	require.Equal(t, time.Second, p.delay(20))
}

func TestResetClearsSchedule(t *testing.T) {
	i := NewInfo()
	for k := 0; k < 5; k++ {
		i.Increment()
	}
	i.Reset()
	require.Equal(t, 0, i.Counter)
	require.True(t, i.Due(time.Now()))
}
