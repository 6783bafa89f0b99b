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

package coinward

import (
	"errors"
	"sync"
)

// ErrOperationInProgress indicates another goroutine is already processing
// the same reserve, group or purchase.
var ErrOperationInProgress = errors.New("operation already in progress for this entity")

// opGuard serializes work per entity. Entities are keyed by kind and id so
// the pay and refund sides of one purchase can run independently.
type opGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newOpGuard() *opGuard {
	return &opGuard{active: make(map[string]struct{})}
}

func (g *opGuard) run(kind, id string, fn func() error) error {
	key := kind + "\x00" + id
	g.mu.Lock()
	if _, busy := g.active[key]; busy {
		g.mu.Unlock()
		return ErrOperationInProgress
	}
	g.active[key] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.active, key)
		g.mu.Unlock()
	}()
	return fn()
}
