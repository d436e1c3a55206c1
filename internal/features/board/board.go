// Package board is a task-board feature module for the instruction pipeline.
//
// A Board holds tasks and ordered lists. Lists are addressed by view id such
// as "daily::2025-10-01" or "backlog". Register installs the board's
// instruction types; every optimistic step and commit mutates the Board.
package board

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Task is one board item.
type Task struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Completed bool   `json:"completed" yaml:"completed"`
}

// Board is the client-side state store. Safe for concurrent use.
type Board struct {
	mu      sync.Mutex
	tasks   map[string]Task
	lists   map[string][]string
	commits int
	applied int
}

// New returns an empty board.
func New() *Board {
	return &Board{
		tasks: make(map[string]Task),
		lists: make(map[string][]string),
	}
}

// Seed replaces the board contents.
func (b *Board) Seed(tasks []Task, lists map[string][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = make(map[string]Task, len(tasks))
	for _, t := range tasks {
		b.tasks[t.ID] = t
	}
	b.lists = make(map[string][]string, len(lists))
	for view, order := range lists {
		b.lists[view] = slices.Clone(order)
	}
}

// Task returns a copy of the task with id.
func (b *Board) Task(id string) (Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	return t, ok
}

// List returns a copy of the order of view.
func (b *Board) List(view string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.lists[view])
}

// Views returns the view ids in sorted order.
func (b *Board) Views() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	views := make([]string, 0, len(b.lists))
	for v := range b.lists {
		views = append(views, v)
	}
	sort.Strings(views)
	return views
}

// Commits is the number of confirmed instruction results applied.
func (b *Board) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// Applied is the number of server-originated events applied by the listener.
func (b *Board) Applied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

func (b *Board) setTask(t Task) {
	b.mu.Lock()
	b.tasks[t.ID] = t
	b.mu.Unlock()
}

func (b *Board) setList(view string, order []string) {
	b.mu.Lock()
	if order == nil {
		delete(b.lists, view)
	} else {
		b.lists[view] = slices.Clone(order)
	}
	b.mu.Unlock()
}

func (b *Board) updateTask(id string, fn func(*Task)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	fn(&t)
	b.tasks[id] = t
	return nil
}

// move removes id from the from list and inserts it into the to list at
// index. An index outside the list appends.
func (b *Board) move(id, from, to string, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.lists[from]
	pos := slices.Index(src, id)
	if pos < 0 {
		return fmt.Errorf("task %q is not in %q", id, from)
	}
	b.lists[from] = slices.Delete(slices.Clone(src), pos, pos+1)

	dst := slices.Clone(b.lists[to])
	if index < 0 || index > len(dst) {
		index = len(dst)
	}
	b.lists[to] = slices.Insert(dst, index, id)
	return nil
}

func (b *Board) commit(fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	b.mu.Lock()
	b.commits++
	b.mu.Unlock()
	return nil
}
