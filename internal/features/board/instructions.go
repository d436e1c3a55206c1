package board

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/registry"
	"github.com/roach88/relay/internal/transport"
)

// Instruction types.
const (
	TypeComplete = "task.complete"
	TypeRename   = "task.rename"
	TypeReorder  = "list.reorder"
	TypeMove     = "task.move"
)

// CompletePayload toggles completion of one task.
type CompletePayload struct {
	TaskID    string `json:"task_id"`
	Completed bool   `json:"completed"`
}

// RenamePayload sets a task title.
type RenamePayload struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
}

// ReorderPayload replaces the order of a view.
type ReorderPayload struct {
	View  string   `json:"view"`
	Order []string `json:"order"`
}

// MovePayload moves a task between views.
type MovePayload struct {
	TaskID string `json:"task_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Index  int    `json:"index"`
}

const (
	completeSchema = `
task_id:   string & != ""
completed: bool
`
	renameSchema = `
task_id: string & != ""
title:   string & =~"\\S"
`
	reorderSchema = `
view:  string & != ""
order: [...string & != ""]
`
	moveSchema = `
task_id: string & != ""
from:    string & != ""
to:      string & != ""
index?:  int
`
)

func taskKey(id string) string  { return "task:" + id }
func listKey(view string) string { return "list:" + view }

// Register installs the board instruction types into reg.
func Register(reg *registry.Registry, b *Board) error {
	entries := []struct {
		typ   string
		entry registry.Entry
	}{
		{TypeComplete, completeEntry(b)},
		{TypeRename, renameEntry(b)},
		{TypeReorder, reorderEntry(b)},
		{TypeMove, moveEntry(b)},
	}
	for _, e := range entries {
		if err := reg.Register(e.typ, e.entry); err != nil {
			return fmt.Errorf("register board instructions: %w", err)
		}
	}
	return nil
}

func completeEntry(b *Board) registry.Entry {
	return registry.Entry{
		Validate: registry.MustSchema(completeSchema),
		ResourceKeys: func(p any) ([]string, error) {
			c, err := registry.Payload[CompletePayload](p)
			if err != nil {
				return nil, err
			}
			return []string{taskKey(c.TaskID)}, nil
		},
		KeySpaces: []string{"task:"},
		Strategy:  instruction.StrategySerialize,
		Expect:    instruction.ExpectResponse,
		BuildRequest: func(p any) (transport.Request, error) {
			c, err := registry.Payload[CompletePayload](p)
			if err != nil {
				return transport.Request{}, err
			}
			return transport.Request{
				Method: http.MethodPatch,
				Path:   "/tasks/" + url.PathEscape(c.TaskID),
				Body:   c,
			}, nil
		},
		Commit: func(conf instruction.Confirmation) error {
			c, err := decode[CompletePayload](conf)
			if err != nil {
				return err
			}
			return b.commit(func() error {
				return b.updateTask(c.TaskID, func(t *Task) { t.Completed = c.Completed })
			})
		},
		Optimistic: taskOptimistic(b, func(p any) (string, func(*Task), error) {
			c, err := registry.Payload[CompletePayload](p)
			return c.TaskID, func(t *Task) { t.Completed = c.Completed }, err
		}),
	}
}

func renameEntry(b *Board) registry.Entry {
	return registry.Entry{
		Validate: registry.MustSchema(renameSchema),
		ResourceKeys: func(p any) ([]string, error) {
			r, err := registry.Payload[RenamePayload](p)
			if err != nil {
				return nil, err
			}
			return []string{taskKey(r.TaskID)}, nil
		},
		KeySpaces: []string{"task:"},
		Strategy:  instruction.StrategySerialize,
		Expect:    instruction.ExpectResponse,
		BuildRequest: func(p any) (transport.Request, error) {
			r, err := registry.Payload[RenamePayload](p)
			if err != nil {
				return transport.Request{}, err
			}
			return transport.Request{
				Method: http.MethodPatch,
				Path:   "/tasks/" + url.PathEscape(r.TaskID),
				Body:   r,
			}, nil
		},
		Commit: func(conf instruction.Confirmation) error {
			r, err := decode[RenamePayload](conf)
			if err != nil {
				return err
			}
			return b.commit(func() error {
				return b.updateTask(r.TaskID, func(t *Task) { t.Title = r.Title })
			})
		},
		Optimistic: taskOptimistic(b, func(p any) (string, func(*Task), error) {
			r, err := registry.Payload[RenamePayload](p)
			return r.TaskID, func(t *Task) { t.Title = r.Title }, err
		}),
	}
}

func reorderEntry(b *Board) registry.Entry {
	return registry.Entry{
		Validate: registry.MustSchema(reorderSchema),
		ResourceKeys: func(p any) ([]string, error) {
			r, err := registry.Payload[ReorderPayload](p)
			if err != nil {
				return nil, err
			}
			return []string{listKey(r.View)}, nil
		},
		KeySpaces: []string{"list:"},
		Strategy:  instruction.StrategyDiscardOutdated,
		Expect:    instruction.ExpectEither,
		BuildRequest: func(p any) (transport.Request, error) {
			r, err := registry.Payload[ReorderPayload](p)
			if err != nil {
				return transport.Request{}, err
			}
			return transport.Request{
				Method: http.MethodPut,
				Path:   "/views/" + url.PathEscape(r.View) + "/order",
				Body:   r,
			}, nil
		},
		Commit: func(conf instruction.Confirmation) error {
			r, err := decode[ReorderPayload](conf)
			if err != nil {
				return err
			}
			return b.commit(func() error {
				b.setList(r.View, r.Order)
				return nil
			})
		},
		Optimistic: &registry.Optimistic{
			Capture: func(p any) (any, error) {
				r, err := registry.Payload[ReorderPayload](p)
				if err != nil {
					return nil, err
				}
				return listSnapshot(b, r.View), nil
			},
			Apply: func(p any) error {
				r, err := registry.Payload[ReorderPayload](p)
				if err != nil {
					return err
				}
				b.setList(r.View, r.Order)
				return nil
			},
			Restore: restoreLists(b),
		},
	}
}

func moveEntry(b *Board) registry.Entry {
	return registry.Entry{
		Validate: registry.MustSchema(moveSchema),
		ResourceKeys: func(p any) ([]string, error) {
			m, err := registry.Payload[MovePayload](p)
			if err != nil {
				return nil, err
			}
			return []string{listKey(m.From), listKey(m.To)}, nil
		},
		KeySpaces: []string{"list:"},
		Strategy:  instruction.StrategyDiscardOutdated,
		Expect:    instruction.ExpectEither,
		BuildRequest: func(p any) (transport.Request, error) {
			m, err := registry.Payload[MovePayload](p)
			if err != nil {
				return transport.Request{}, err
			}
			return transport.Request{
				Method: http.MethodPost,
				Path:   "/tasks/" + url.PathEscape(m.TaskID) + "/move",
				Body:   m,
			}, nil
		},
		// The server answers with the resulting orders of both views.
		Commit: func(conf instruction.Confirmation) error {
			views, err := decode[map[string][]string](conf)
			if err != nil {
				return err
			}
			return b.commit(func() error {
				for view, order := range views {
					b.setList(view, order)
				}
				return nil
			})
		},
		Optimistic: &registry.Optimistic{
			Capture: func(p any) (any, error) {
				m, err := registry.Payload[MovePayload](p)
				if err != nil {
					return nil, err
				}
				return listSnapshot(b, m.From, m.To), nil
			},
			Apply: func(p any) error {
				m, err := registry.Payload[MovePayload](p)
				if err != nil {
					return err
				}
				return b.move(m.TaskID, m.From, m.To, m.Index)
			},
			Restore: restoreLists(b),
		},
	}
}

// taskOptimistic builds the capture/apply/restore triple for a single-task
// field update.
func taskOptimistic(b *Board, parse func(any) (string, func(*Task), error)) *registry.Optimistic {
	return &registry.Optimistic{
		Capture: func(p any) (any, error) {
			id, _, err := parse(p)
			if err != nil {
				return nil, err
			}
			t, ok := b.Task(id)
			if !ok {
				return nil, fmt.Errorf("unknown task %q", id)
			}
			return t, nil
		},
		Apply: func(p any) error {
			id, mutate, err := parse(p)
			if err != nil {
				return err
			}
			return b.updateTask(id, mutate)
		},
		Restore: func(snap any) error {
			t, ok := snap.(Task)
			if !ok {
				return fmt.Errorf("unexpected snapshot %T", snap)
			}
			b.setTask(t)
			return nil
		},
	}
}

// lists maps a view to its captured order; nil means the view did not exist.
type lists map[string][]string

func listSnapshot(b *Board, views ...string) lists {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := make(lists, len(views))
	for _, v := range views {
		if order, ok := b.lists[v]; ok {
			snap[v] = slices.Clone(order)
		} else {
			snap[v] = nil
		}
	}
	return snap
}

func restoreLists(b *Board) func(any) error {
	return func(snap any) error {
		l, ok := snap.(lists)
		if !ok {
			return fmt.Errorf("unexpected snapshot %T", snap)
		}
		for view, order := range l {
			b.setList(view, order)
		}
		return nil
	}
}

func decode[T any](conf instruction.Confirmation) (T, error) {
	var v T
	if len(conf.Data) == 0 {
		return v, fmt.Errorf("%s confirmation carries no data", conf.Source)
	}
	if err := json.Unmarshal(conf.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s confirmation: %w", conf.Source, err)
	}
	return v, nil
}
