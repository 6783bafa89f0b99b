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

package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	n := New()
	ch1, cancel1 := n.Subscribe(1)
	defer cancel1()
	ch2, cancel2 := n.Subscribe(1)
	defer cancel2()

	n.Publish(Event{Type: EventCoinWithdrawn, WithdrawalGroupID: "wg1"})

	ev := <-ch1
	require.Equal(t, EventCoinWithdrawn, ev.Type)
	require.Equal(t, "wg1", ev.WithdrawalGroupID)
	ev = <-ch2
	require.Equal(t, EventCoinWithdrawn, ev.Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe(1)
	defer cancel()

	n.Publish(Event{Type: EventReserveUpdated})
	n.Publish(Event{Type: EventPaySuccess})

	ev := <-ch
	require.Equal(t, EventReserveUpdated, ev.Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event %q", ev.Type)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	n := New()
	ch, cancel := n.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)

	n.Publish(Event{Type: EventReserveUpdated})
}
