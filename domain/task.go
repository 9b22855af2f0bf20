package domain

import (
	"cmp"
	"errors"
	"math"
	"slices"
	"strings"
)

var (
	// ErrTaskNotFound is returned when an operation references an id that is not in the collection.
	ErrTaskNotFound = errors.New("task not found")
	// ErrEmptyDescription is returned when a task is created or edited without a description.
	ErrEmptyDescription = errors.New("missing task data")
	// ErrIDSpaceExhausted is returned by Append when the collection already holds the largest int id.
	ErrIDSpaceExhausted = errors.New("task id space exhausted")
)

// Task represents a single to-do item.
type Task struct {
	ID          int    `json:"id"`
	Description string `json:"task"`
	Done        bool   `json:"done"`
}

// Seed returns the collection written to a fresh backing file.
func Seed() []Task {
	return []Task{
		{ID: 1, Description: "Lay out the service modules", Done: true},
		{ID: 2, Description: "Implement task persistence", Done: false},
		{ID: 3, Description: "Finish the UI refresh", Done: false},
	}
}

// NextID returns the id for a task appended to tasks: one more than the
// current maximum, or 1 for an empty collection. Ids are not reserved, and a
// deleted task that held the maximum id frees that id for reuse.
func NextID(tasks []Task) int {
	return maxID(tasks) + 1
}

func maxID(tasks []Task) int {
	highest := 0
	for _, t := range tasks {
		if t.ID > highest {
			highest = t.ID
		}
	}
	return highest
}

// SortByID orders tasks by ascending id in place.
func SortByID(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int { return cmp.Compare(a.ID, b.ID) })
}

// Index returns the position of the task with the given id, or -1.
func Index(tasks []Task, id int) int {
	return slices.IndexFunc(tasks, func(t Task) bool { return t.ID == id })
}

// Find returns a copy of the task with the given id.
func Find(tasks []Task, id int) (Task, bool) {
	i := Index(tasks, id)
	if i < 0 {
		return Task{}, false
	}
	return tasks[i], true
}

// Append adds a new task with the next free id and returns the updated
// collection together with the created task.
func Append(tasks []Task, description string, done bool) ([]Task, Task, error) {
	description, err := NormalizeDescription(description)
	if err != nil {
		return tasks, Task{}, err
	}
	if maxID(tasks) == math.MaxInt {
		return tasks, Task{}, ErrIDSpaceExhausted
	}
	t := Task{ID: NextID(tasks), Description: description, Done: done}
	return append(tasks, t), t, nil
}

// Toggle flips the done flag of the task with the given id.
func Toggle(tasks []Task, id int) (Task, error) {
	i := Index(tasks, id)
	if i < 0 {
		return Task{}, ErrTaskNotFound
	}
	tasks[i].Done = !tasks[i].Done
	return tasks[i], nil
}

// Edit replaces the description and done flag of the task with the given id.
func Edit(tasks []Task, id int, description string, done bool) (Task, error) {
	i := Index(tasks, id)
	if i < 0 {
		return Task{}, ErrTaskNotFound
	}
	description, err := NormalizeDescription(description)
	if err != nil {
		return Task{}, err
	}
	tasks[i].Description = description
	tasks[i].Done = done
	return tasks[i], nil
}

// Remove deletes the task with the given id and returns the shortened collection.
func Remove(tasks []Task, id int) ([]Task, error) {
	i := Index(tasks, id)
	if i < 0 {
		return tasks, ErrTaskNotFound
	}
	return slices.Delete(tasks, i, i+1), nil
}

// NormalizeDescription trims surrounding whitespace and rejects empty labels.
func NormalizeDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyDescription
	}
	return s, nil
}
