package worker

import "time"

// Task is a unit of scheduled work: attempt delivery of the message at
// or after DueAt.
type Task struct {
	DueAt     time.Time
	MessageID string
}

// taskList keeps tasks ordered by due time. Ties keep insertion order,
// so a task scheduled earlier for the same instant runs first.
//
// The worker polls the list from its single loop, so no locking is
// needed and no timer goroutines are spawned.
type taskList struct {
	tasks []Task
}

func (l *taskList) Insert(t Task) {
	indx := len(l.tasks)
	for i, existing := range l.tasks {
		if t.DueAt.Before(existing.DueAt) {
			indx = i
			break
		}
	}
	l.tasks = append(l.tasks, Task{})
	copy(l.tasks[indx+1:], l.tasks[indx:])
	l.tasks[indx] = t
}

// NextDue returns the earliest task without removing it.
func (l *taskList) NextDue() (Task, bool) {
	if len(l.tasks) == 0 {
		return Task{}, false
	}
	return l.tasks[0], true
}

// PopDue removes and returns all tasks due at or before now.
func (l *taskList) PopDue(now time.Time) []Task {
	cut := 0
	for cut < len(l.tasks) && !l.tasks[cut].DueAt.After(now) {
		cut++
	}
	due := append([]Task(nil), l.tasks[:cut]...)
	l.tasks = l.tasks[cut:]
	return due
}

// ContainsMessage reports whether any queued task refers to msgID.
func (l *taskList) ContainsMessage(msgID string) bool {
	for _, t := range l.tasks {
		if t.MessageID == msgID {
			return true
		}
	}
	return false
}

// Remove deletes the first task equal to t. Equality is structural,
// both fields must match.
func (l *taskList) Remove(t Task) {
	for i, existing := range l.tasks {
		if existing == t {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return
		}
	}
}

func (l *taskList) Len() int {
	return len(l.tasks)
}
