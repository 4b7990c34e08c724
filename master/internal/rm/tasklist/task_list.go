package tasklist

import (
	"github.com/emirpasic/gods/sets/treeset"

	"github.com/determined-ai/vine/master/pkg/model"
)

// Entry is a READY task as the matcher sees it.
type Entry struct {
	ID       model.TaskID
	Priority float64
}

// TaskList maintains the READY tasks ordered by priority, highest first, and then by submission
// order. Task IDs are assigned in submission order, so they double as the sequence number.
type TaskList struct {
	ordered *treeset.Set
	byID    map[model.TaskID]Entry
}

// New constructs a new TaskList.
func New() *TaskList {
	return &TaskList{
		ordered: treeset.NewWith(func(a, b interface{}) int {
			return entryComparator(a.(Entry), b.(Entry))
		}),
		byID: make(map[model.TaskID]Entry),
	}
}

// Iterator returns a TaskIterator that traverses the TaskList in matching order.
func (l *TaskList) Iterator() *TaskIterator {
	return &TaskIterator{it: l.ordered.Iterator()}
}

// Len gives number of tasks in the TaskList.
func (l *TaskList) Len() int {
	return len(l.byID)
}

// Contains returns true if the task is in the TaskList.
func (l *TaskList) Contains(id model.TaskID) bool {
	_, ok := l.byID[id]
	return ok
}

// Add adds a task to the TaskList. It returns false if the task was already present.
func (l *TaskList) Add(e Entry) bool {
	if l.Contains(e.ID) {
		return false
	}
	l.ordered.Add(e)
	l.byID[e.ID] = e
	return true
}

// Remove deletes the task from the TaskList and returns whether it was present.
func (l *TaskList) Remove(id model.TaskID) bool {
	e, ok := l.byID[id]
	if !ok {
		return false
	}
	l.ordered.Remove(e)
	delete(l.byID, id)
	return true
}

// IDs returns the task IDs in matching order.
func (l *TaskList) IDs() []model.TaskID {
	ids := make([]model.TaskID, 0, l.Len())
	for it := l.Iterator(); it.Next(); {
		ids = append(ids, it.Value().ID)
	}
	return ids
}

// TaskIterator is an iterator over READY tasks.
type TaskIterator struct{ it treeset.Iterator }

// Next moves the iterator forward to the next task.
func (i *TaskIterator) Next() bool {
	return i.it.Next()
}

// Value returns the Entry at the current position of the iterator.
func (i *TaskIterator) Value() Entry {
	return i.it.Value().(Entry)
}

// entryComparator returns -1 if a should be matched before b.
func entryComparator(a, b Entry) int {
	switch {
	case a.Priority > b.Priority:
		return -1
	case a.Priority < b.Priority:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
