// Package queue provides the Redis-backed transport between controller
// and worker: a Redis Streams dispatch queue with consumer groups and a
// dead letter queue, plus Pub/Sub channels for log/event fan-out and
// kill commands.
//
// Design choices:
//
//   - Redis Streams with a consumer group give reliable, ack-based job
//     delivery: a message stays pending until the worker acknowledges
//     it after reporting a terminal status, so a crashed worker's job
//     is redelivered.
//   - Delivery counts drive DLQ handling for poison messages.
//   - Log lines and status changes ride Pub/Sub (best-effort by
//     design); billing never depends on them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DispatchMessage is the unit of work delivered to a worker.
type DispatchMessage struct {
	MessageID      string `json:"-"`
	JobID          string `json:"jobId"`
	OwnerID        string `json:"ownerId"`
	DockerImage    string `json:"dockerImage"`
	ScriptPath     string `json:"scriptPath"`
	OutputPath     string `json:"outputPath"`
	MemoryLimit    string `json:"memoryLimit"`
	CPUCount       int    `json:"cpuCount"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Event types carried on the log channel.
const (
	EventTypeLog    = "log"
	EventTypeStatus = "status"
)

// Event is published on logs:v1:{jobID} for live viewers.
type Event struct {
	Version   string `json:"version"`
	Type      string `json:"type"` // EventTypeLog or EventTypeStatus
	JobID     string `json:"jobId"`
	Timestamp string `json:"timestamp"`
	Line      string `json:"line,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// KillCommand is published on control:v1:{jobID} to terminate a running
// sandbox. Delivery is at-least-once: the coordinator republishes until
// the worker's terminal report acknowledges it.
type KillCommand struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
	Seq    int64  `json:"seq"`
}

// ClientConfig holds connection and queue settings.
type ClientConfig struct {
	URL           string
	Password      string
	Queue         string
	ConsumerGroup string
	BlockMs       int
	MaxAttempts   int
}

// Client wraps Redis operations for dispatch, control and log fan-out.
type Client struct {
	rdb           *redis.Client
	workerID      string
	queue         string
	consumerGroup string
	blockMs       int
	maxAttempts   int
}

// NewClient creates an unconnected client; call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "gridforge-workers"
	}
	if cfg.Queue == "" {
		cfg.Queue = "jobs:v1:gpu"
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Client{
		workerID:      fmt.Sprintf("gridforge-%s", uuid.NewString()[:8]),
		queue:         cfg.Queue,
		consumerGroup: cfg.ConsumerGroup,
		blockMs:       cfg.BlockMs,
		maxAttempts:   cfg.MaxAttempts,
	}
}

// Connect establishes and verifies the Redis connection.
func (c *Client) Connect(ctx context.Context, rawURL, password string) error {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	c.rdb = redis.NewClient(opts)
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// WorkerID returns this consumer's unique identifier.
func (c *Client) WorkerID() string { return c.workerID }

// Queue returns the dispatch stream name.
func (c *Client) Queue() string { return c.queue }

// MaxAttempts returns the delivery count before DLQ.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (c *Client) EnsureConsumerGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.queue, c.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue adds a dispatch message to the stream.
func (c *Client) Enqueue(ctx context.Context, msg DispatchMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.queue,
		Values: map[string]any{
			"jobId":   msg.JobID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// ReadJob blocks until a dispatch message is available or the block
// timeout elapses (returning nil, nil). The message stays pending until
// Ack'd.
func (c *Client) ReadJob(ctx context.Context) (*DispatchMessage, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.workerID,
		Streams:  []string{c.queue, ">"},
		Count:    1,
		Block:    time.Duration(c.blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return ParseDispatch(streams[0].Messages[0])
}

// ParseDispatch converts a raw stream message into a DispatchMessage.
func ParseDispatch(msg redis.XMessage) (*DispatchMessage, error) {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no payload field", msg.ID)
	}
	var dm DispatchMessage
	if err := json.Unmarshal([]byte(payloadStr), &dm); err != nil {
		return nil, fmt.Errorf("parse dispatch payload: %w", err)
	}
	if dm.JobID == "" {
		return nil, fmt.Errorf("message %s missing jobId", msg.ID)
	}
	dm.MessageID = msg.ID
	return &dm, nil
}

// Ack acknowledges a processed message, removing it from the pending
// entries list.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, c.queue, c.consumerGroup, messageID).Err()
}

// DeliveryCount returns how many times a pending message was delivered.
func (c *Client) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.queue,
		Group:  c.consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// MoveToDLQ parks a poison message on the dead letter stream.
func (c *Client) MoveToDLQ(ctx context.Context, msg *DispatchMessage, reason string) error {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQName(c.queue),
		Values: map[string]any{
			"original_message_id": msg.MessageID,
			"original_queue":      c.queue,
			"jobId":               msg.JobID,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"worker_id":           c.workerID,
		},
	}).Err()
}

// DLQName derives the dead letter stream name from a queue name:
// jobs:v1:gpu -> dlq:v1:gpu.
func DLQName(queue string) string {
	if strings.HasPrefix(queue, "jobs:v1:") {
		return "dlq:v1:" + strings.TrimPrefix(queue, "jobs:v1:")
	}
	parts := strings.Split(queue, ":")
	return fmt.Sprintf("dlq:v1:%s", parts[len(parts)-1])
}

// logChannel is the Pub/Sub channel carrying log and status events for
// one job.
func logChannel(jobID string) string {
	return fmt.Sprintf("logs:v1:%s", jobID)
}

// killChannel is the Pub/Sub channel carrying kill commands for one job.
func killChannel(jobID string) string {
	return fmt.Sprintf("control:v1:%s", jobID)
}

// PublishLog publishes one log line for live viewers. Best-effort: an
// error here never affects job execution or billing.
func (c *Client) PublishLog(ctx context.Context, jobID, line string) error {
	return c.publishEvent(ctx, Event{
		Type:  EventTypeLog,
		JobID: jobID,
		Line:  line,
	})
}

// PublishStatus publishes a job status-change event.
func (c *Client) PublishStatus(ctx context.Context, jobID, status, reason string) error {
	return c.publishEvent(ctx, Event{
		Type:   EventTypeStatus,
		JobID:  jobID,
		Status: status,
		Reason: reason,
	})
}

func (c *Client) publishEvent(ctx context.Context, ev Event) error {
	ev.Version = "1.0"
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.rdb.Publish(ctx, logChannel(ev.JobID), data).Err()
}

// SubscribeEvents psubscribes to all job log channels and forwards
// decoded events until the context ends. Malformed payloads are skipped.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	sub := c.rdb.PSubscribe(ctx, "logs:v1:*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to log channels: %w", err)
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishKill publishes a kill command for a job.
func (c *Client) PublishKill(ctx context.Context, cmd KillCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal kill command: %w", err)
	}
	return c.rdb.Publish(ctx, killChannel(cmd.JobID), data).Err()
}

// SubscribeKill subscribes to kill commands for one job. The returned
// cancel func must be called when the job ends.
func (c *Client) SubscribeKill(ctx context.Context, jobID string) (<-chan KillCommand, func(), error) {
	sub := c.rdb.Subscribe(ctx, killChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe to kill channel: %w", err)
	}

	out := make(chan KillCommand, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd KillCommand
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					continue
				}
				select {
				case out <- cmd:
				default:
					// A pending kill is already queued; dropping the
					// duplicate is safe because delivery is
					// at-least-once.
				}
			}
		}
	}()
	cancel := func() {
		close(done)
		sub.Close()
	}
	return out, cancel, nil
}

// SetJobStatus mirrors transient job status into a Redis hash for cheap
// polling by tools that don't need the record store.
func (c *Client) SetJobStatus(ctx context.Context, jobID, status string, extra map[string]any) error {
	key := fmt.Sprintf("job:%s:status", jobID)
	fields := map[string]any{
		"status":     status,
		"worker_id":  c.workerID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

// MaskURL masks the password in a Redis URL for safe logging.
func MaskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if strings.HasPrefix(rawURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
