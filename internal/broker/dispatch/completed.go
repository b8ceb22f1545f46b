package dispatch

import "time"

// completedSet is a bounded insertion-ordered set of task IDs used for
// duplicate detection. Lookup and insert are O(1); eviction pops the
// oldest entry without traversal. Not safe for concurrent use; the
// manager's mutex guards it.
type completedSet struct {
	ids   map[string]time.Time
	order []string
	head  int
}

func newCompletedSet() *completedSet {
	return &completedSet{ids: make(map[string]time.Time)}
}

// Add inserts the task ID, evicting the oldest entries once the set
// exceeds max. Re-adding a present ID keeps its original position.
func (c *completedSet) Add(taskID string, max int) {
	if _, ok := c.ids[taskID]; ok {
		return
	}
	c.ids[taskID] = time.Now()
	c.order = append(c.order, taskID)

	for len(c.ids) > max {
		oldest := c.order[c.head]
		c.order[c.head] = ""
		c.head++
		delete(c.ids, oldest)
	}

	// Reclaim the evicted prefix once it dominates the slice.
	if c.head > 64 && c.head > len(c.order)/2 {
		c.order = append([]string(nil), c.order[c.head:]...)
		c.head = 0
	}
}

// Contains reports membership.
func (c *completedSet) Contains(taskID string) bool {
	_, ok := c.ids[taskID]
	return ok
}

// Len returns the current size.
func (c *completedSet) Len() int {
	return len(c.ids)
}
