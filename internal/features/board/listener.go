package board

import (
	"encoding/json"
	"log/slog"

	"github.com/roach88/relay/internal/push"
)

// Server-originated event types understood by Listener.
const (
	EventTaskCreated   = "task.created"
	EventTaskCompleted = "task.completed"
	EventTaskRenamed   = "task.renamed"
	EventListReordered = "list.reordered"
	EventTaskMoved     = "task.moved"
)

type createdPayload struct {
	Task Task   `json:"task"`
	View string `json:"view"`
}

// Listener returns a push handler that applies server-originated changes to
// b. Unknown event types are ignored; malformed payloads are logged.
func Listener(b *Board, logger *slog.Logger) push.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev push.Event) {
		if err := applyEvent(b, ev); err != nil {
			logger.Warn("server event not applied",
				"event_type", ev.EventType,
				"aggregate_id", ev.AggregateID,
				"error", err,
			)
		}
	}
}

func applyEvent(b *Board, ev push.Event) error {
	var err error
	switch ev.EventType {
	case EventTaskCreated:
		var c createdPayload
		if err = json.Unmarshal(ev.Payload, &c); err == nil {
			b.setTask(c.Task)
			if c.View != "" {
				b.mu.Lock()
				b.lists[c.View] = append(b.lists[c.View], c.Task.ID)
				b.mu.Unlock()
			}
		}
	case EventTaskCompleted:
		var c CompletePayload
		if err = json.Unmarshal(ev.Payload, &c); err == nil {
			err = b.updateTask(c.TaskID, func(t *Task) { t.Completed = c.Completed })
		}
	case EventTaskRenamed:
		var r RenamePayload
		if err = json.Unmarshal(ev.Payload, &r); err == nil {
			err = b.updateTask(r.TaskID, func(t *Task) { t.Title = r.Title })
		}
	case EventListReordered:
		var r ReorderPayload
		if err = json.Unmarshal(ev.Payload, &r); err == nil {
			b.setList(r.View, r.Order)
		}
	case EventTaskMoved:
		var views map[string][]string
		if err = json.Unmarshal(ev.Payload, &views); err == nil {
			for view, order := range views {
				b.setList(view, order)
			}
		}
	default:
		return nil
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.applied++
	b.mu.Unlock()
	return nil
}
