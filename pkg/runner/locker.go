// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import "sync"

// Locker enforces at most one active run per session id. A second run
// request for a busy session fails fast instead of interleaving state
// mutations.
type Locker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{active: make(map[string]struct{})}
}

// TryAcquire claims the session for a run. Returns false when a run is
// already active.
func (l *Locker) TryAcquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.active[sessionID]; busy {
		return false
	}
	l.active[sessionID] = struct{}{}
	return true
}

// Release frees the session. Releasing an unclaimed session is a no-op.
func (l *Locker) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, sessionID)
}
