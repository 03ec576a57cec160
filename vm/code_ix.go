/*
Copyright (C) 2025, 2026  Riccardo Manfrin

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import "sync"
import "context"
import "sync/atomic"
import "golang.org/x/sync/semaphore"

/*
	Code generations. The whole dispatch state of the VM exists in
	NumCodeIndexes versions: readers use the active one, code loading
	prepares the staging one, and a commit atomically makes staging the
	new active. The third generation lets the previous active stay
	readable for callers that picked up its index before the flip.

	One extra dispatch slot beyond the generations (SaveCallsIx) is
	reserved for call-save tracing: a goroutine with call saving enabled
	dispatches through that slot instead of the active generation.
*/

type CodeIndex int32

const NumCodeIndexes = 3
const SaveCallsIx CodeIndex = NumCodeIndexes
const NumDispatchSlots = NumCodeIndexes + 1

// StagingParticipant is anything that keeps per-generation state and has to
// copy it forward when a staging cycle begins.
type StagingParticipant interface {
	StartStaging()
	EndStaging(commit bool)
}

type CodeIndexer struct {
	active  atomic.Int32
	staging atomic.Int32

	// StagingLock serializes writers of staging-generation state with the
	// activation flip in Commit. Readers of active generations never take
	// it. ExportTable borrows it as its staging lock so that a commit can
	// not slide between a writer's active-index re-check and its insert.
	StagingLock sync.Mutex

	permit       *semaphore.Weighted // code modification permit, one loader at a time
	participants []StagingParticipant
	onCommit     []func(CodeIndex)
	commits      atomic.Int64
}

func NewCodeIndexer() *CodeIndexer {
	c := new(CodeIndexer)
	c.staging.Store(1)
	c.permit = semaphore.NewWeighted(1)
	return c
}

// Register adds a participant. Call during initialization only; the list is
// not guarded against concurrent staging cycles.
func (c *CodeIndexer) Register(p StagingParticipant) {
	c.participants = append(c.participants, p)
}

// OnCommit subscribes f to activation flips. f runs on the committing
// goroutine while the code modification permit is still held.
func (c *CodeIndexer) OnCommit(f func(active CodeIndex)) {
	c.onCommit = append(c.onCommit, f)
}

func (c *CodeIndexer) Active() CodeIndex {
	return CodeIndex(c.active.Load())
}

func (c *CodeIndexer) Staging() CodeIndex {
	return CodeIndex(c.staging.Load())
}

func (c *CodeIndexer) Commits() int64 {
	return c.commits.Load()
}

// BeginStaging seizes the code modification permit (waiting for a running
// loader if necessary) and lets every participant copy the active
// generation into the staging one. Ends with either Commit or Abort.
func (c *CodeIndexer) BeginStaging(ctx context.Context) error {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	for _, p := range c.participants {
		p.StartStaging()
	}
	return nil
}

// Commit activates the staging generation and advances staging to the
// oldest one. Participants get their consistency check first, then the flip
// happens under the StagingLock so no staging writer can interleave.
func (c *CodeIndexer) Commit() {
	for _, p := range c.participants {
		p.EndStaging(true)
	}
	c.StagingLock.Lock()
	newActive := c.staging.Load()
	c.active.Store(newActive)
	c.staging.Store((newActive + 1) % NumCodeIndexes)
	c.StagingLock.Unlock()
	c.commits.Add(1)
	for _, f := range c.onCommit {
		f(CodeIndex(newActive))
	}
	c.permit.Release(1)
}

// Abort ends the staging cycle without activating anything. The staged
// entries stay in their table and are overwritten by the next cycle.
func (c *CodeIndexer) Abort() {
	for _, p := range c.participants {
		p.EndStaging(false)
	}
	c.permit.Release(1)
}
