/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package wheel

import (
	"sync"
	"sync/atomic"

	"github.com/vmware/vmware-go-lease-renewer/clientlibrary/task"
)

// entry is the placement of a task in the wheel. round is guarded by the lock of the bucket the
// entry sits in.
type entry struct {
	task   *task.RenewTask
	round  int64
	bucket atomic.Int64
}

// bucket is one slot of the wheel. Each bucket has its own lock so that inserting into one slot
// never waits for the draining of another.
type bucket struct {
	sync.Mutex
	entries map[*task.RenewTask]*entry
}

func newBucket() *bucket {
	return &bucket{entries: make(map[*task.RenewTask]*entry)}
}

// drainLocked removes and returns the entries due on this pass. The others lose one round.
// Caller holds the lock.
func (b *bucket) drainLocked() []*entry {
	var due []*entry
	for t, e := range b.entries {
		if e.round > 0 {
			e.round--
			continue
		}
		delete(b.entries, t)
		due = append(due, e)
	}
	return due
}

func (b *bucket) len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.entries)
}
