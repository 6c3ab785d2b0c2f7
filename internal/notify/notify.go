// Package notify delivers fire-and-forget task events to whatever front
// end is listening. Emission never blocks the pipeline: slow consumers
// drop events instead of stalling a story.
package notify

import (
	"log"
	"strings"
)

// Notifier is the outbound UI channel the pipeline writes to.
type Notifier interface {
	// Emit publishes a structured event for a task.
	Emit(taskID, event string, payload any)
	// EmitConsoleLog publishes a human-readable log line for a task.
	EmitConsoleLog(taskID, level, message string)
}

// LogNotifier writes notifications to the process log. It is the default
// when no transport is configured.
type LogNotifier struct{}

// NewLogNotifier returns a notifier backed by the process log.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Emit logs the event name. Payloads are not rendered; the event log holds
// the authoritative record.
func (n *LogNotifier) Emit(taskID, event string, payload any) {
	log.Printf("[notify] task=%s event=%s", taskID, event)
}

// EmitConsoleLog logs the message with its level.
func (n *LogNotifier) EmitConsoleLog(taskID, level, message string) {
	log.Printf("[notify] task=%s %s: %s", taskID, strings.ToUpper(level), message)
}

var _ Notifier = (*LogNotifier)(nil)

// Multi fans out notifications to several notifiers.
type Multi struct {
	targets []Notifier
}

// NewMulti returns a notifier that forwards to every target. Nil targets
// are skipped.
func NewMulti(targets ...Notifier) *Multi {
	m := &Multi{}
	for _, t := range targets {
		if t != nil {
			m.targets = append(m.targets, t)
		}
	}
	return m
}

// Emit forwards to every target.
func (m *Multi) Emit(taskID, event string, payload any) {
	for _, t := range m.targets {
		t.Emit(taskID, event, payload)
	}
}

// EmitConsoleLog forwards to every target.
func (m *Multi) EmitConsoleLog(taskID, level, message string) {
	for _, t := range m.targets {
		t.EmitConsoleLog(taskID, level, message)
	}
}

var _ Notifier = (*Multi)(nil)
