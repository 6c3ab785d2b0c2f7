package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// publishTimeout bounds a single JetStream publish. Emission is
// fire-and-forget, so a slow broker costs at most this much.
const publishTimeout = 5 * time.Second

// envelope is the wire format for published notifications.
type envelope struct {
	TaskID  string    `json:"task_id"`
	Event   string    `json:"event"`
	Level   string    `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// NATSNotifier publishes notifications to a JetStream subject per task.
// Emit hands the envelope to a buffered worker; when the buffer is full the
// event is dropped rather than blocking the pipeline.
type NATSNotifier struct {
	conn          *nats.Conn
	js            jetstream.JetStream
	subjectPrefix string

	queue   chan envelope
	done    chan struct{}
	dropped atomic.Uint64
}

// NewNATSNotifier connects to NATS and starts the publish worker.
// subjectPrefix defaults to "gaffer.tasks"; events for a task go to
// "<prefix>.<taskID>".
func NewNATSNotifier(url, subjectPrefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("gaffer-notifier"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if subjectPrefix == "" {
		subjectPrefix = "gaffer.tasks"
	}

	n := &NATSNotifier{
		conn:          conn,
		js:            js,
		subjectPrefix: subjectPrefix,
		queue:         make(chan envelope, 256),
		done:          make(chan struct{}),
	}
	go n.publishLoop()
	return n, nil
}

// Emit queues a structured event for publication.
func (n *NATSNotifier) Emit(taskID, event string, payload any) {
	n.enqueue(envelope{TaskID: taskID, Event: event, Payload: payload, At: time.Now().UTC()})
}

// EmitConsoleLog queues a log line for publication.
func (n *NATSNotifier) EmitConsoleLog(taskID, level, message string) {
	n.enqueue(envelope{TaskID: taskID, Event: "console_log", Level: level, Message: message, At: time.Now().UTC()})
}

// enqueue tries an immediate send, then a short grace period, then drops.
func (n *NATSNotifier) enqueue(env envelope) {
	select {
	case n.queue <- env:
		return
	default:
	}

	select {
	case n.queue <- env:
	case <-time.After(100 * time.Millisecond):
		count := n.dropped.Add(1)
		if count%10 == 1 {
			log.Printf("[notify] WARNING: publish queue full, dropped event (total dropped: %d): task=%s event=%s",
				count, env.TaskID, env.Event)
		}
	}
}

func (n *NATSNotifier) publishLoop() {
	for {
		select {
		case env := <-n.queue:
			n.publish(env)
		case <-n.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case env := <-n.queue:
					n.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (n *NATSNotifier) publish(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[notify] marshal event %s for task %s: %v", env.Event, env.TaskID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s", n.subjectPrefix, env.TaskID)
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		log.Printf("[notify] publish %s to %s: %v", env.Event, subject, err)
	}
}

// DroppedCount returns how many events were dropped because the queue was full.
func (n *NATSNotifier) DroppedCount() uint64 {
	return n.dropped.Load()
}

// Close stops the worker and closes the connection.
func (n *NATSNotifier) Close() {
	close(n.done)
	n.conn.Close()
}

var _ Notifier = (*NATSNotifier)(nil)
