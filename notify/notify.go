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

// Package notify distributes wallet state-change events to subscribers.
//
// Events are advisory: they tell listeners that something changed, never
// carry authoritative state. Tests use them to wait for operations instead
// of polling the store.
package notify

import "sync"

type EventType string

const (
	EventReserveUpdated             EventType = "reserve-updated"
	EventReserveRegistered          EventType = "reserve-registered"
	EventWithdrawGroupCreated       EventType = "withdraw-group-created"
	EventCoinWithdrawn              EventType = "coin-withdrawn"
	EventWithdrawGroupFinished      EventType = "withdraw-group-finished"
	EventProposalDownloaded         EventType = "proposal-downloaded"
	EventProposalAccepted           EventType = "proposal-accepted"
	EventProposalRefused            EventType = "proposal-refused"
	EventPaySuccess                 EventType = "pay-success"
	EventPayAborted                 EventType = "pay-aborted"
	EventRefreshMelted              EventType = "refresh-melted"
	EventRefreshRevealed            EventType = "refresh-revealed"
	EventRefreshGroupCreated        EventType = "refresh-group-created"
	EventRefreshGroupFinished       EventType = "refresh-group-finished"
	EventRefundsQueried             EventType = "refunds-queried"
	EventRefundFinished             EventType = "refund-finished"
	EventRecoupGroupFinished        EventType = "recoup-group-finished"
	EventExchangeKeysUpdated        EventType = "exchange-keys-updated"
	EventOperationError             EventType = "operation-error"
	EventPendingOperationsProcessed EventType = "pending-operations-processed"
)

// Event identifies what changed. Only the fields relevant to the type are
// set.
type Event struct {
	Type EventType `json:"type"`

	ExchangeBaseURL   string `json:"exchangeBaseUrl,omitempty"`
	ReservePub        string `json:"reservePub,omitempty"`
	WithdrawalGroupID string `json:"withdrawalGroupId,omitempty"`
	ProposalID        string `json:"proposalId,omitempty"`
	RefreshGroupID    string `json:"refreshGroupId,omitempty"`
	RecoupGroupID     string `json:"recoupGroupId,omitempty"`
}

// Notifier fans events out to all subscribers. A slow subscriber loses
// events rather than blocking wallet progress.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func New() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer. The
// returned cancel function drops the subscription and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
