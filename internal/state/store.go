package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/warren/pkg/wire"
	"github.com/redis/go-redis/v9"
)

// Store provides instance-scoped Redis operations for persisted engine
// state. All keys and channels are automatically namespaced with the
// instance name. The store is safe for concurrent use.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a store for the specified instance.
// Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this store operates in.
func (s *Store) InstanceName() string {
	return s.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// IsNotFound reports whether err indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// PutSession writes a session hash and indexes its id. Validates before
// writing. Idempotent: writing the same session twice is safe.
func (s *Store) PutSession(ctx context.Context, sess *SessionState) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	hash, err := SessionToHash(sess)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	key := SessionKey(s.instanceName, sess.ID)
	if err := s.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write session to Redis: %w", err)
	}

	if err := s.rdb.SAdd(ctx, SessionIndexKey(s.instanceName), sess.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by id.
// Returns (nil, redis.Nil) if the session doesn't exist; check with
// IsNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	key := SessionKey(s.instanceName, sessionID)

	hashData, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	sess, err := HashToSession(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}

	return sess, nil
}

// ListSessions returns every persisted session for this instance.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionState, error) {
	ids, err := s.rdb.SMembers(ctx, SessionIndexKey(s.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}

	sessions := make([]*SessionState, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Indexed but deleted; skip.
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// PutTask writes a task hash and indexes it under its session.
// Validates before writing.
func (s *Store) PutTask(ctx context.Context, task *TaskRecord) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	hash, err := TaskToHash(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	key := TaskKey(s.instanceName, task.ID)
	if err := s.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write task to Redis: %w", err)
	}

	indexKey := SessionTasksKey(s.instanceName, task.SessionID)
	if err := s.rdb.SAdd(ctx, indexKey, task.ID).Err(); err != nil {
		return fmt.Errorf("failed to index task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by id.
// Returns (nil, redis.Nil) if the task doesn't exist.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	key := TaskKey(s.instanceName, taskID)

	hashData, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	task, err := HashToTask(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}

	return task, nil
}

// TasksBySession returns every task indexed under the given session.
func (s *Store) TasksBySession(ctx context.Context, sessionID string) ([]*TaskRecord, error) {
	ids, err := s.rdb.SMembers(ctx, SessionTasksKey(s.instanceName, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}

	tasks := make([]*TaskRecord, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// AppendMessageLog durably records an outbound message before delivery,
// enabling replay after a crash.
func (s *Store) AppendMessageLog(ctx context.Context, msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for log: %w", err)
	}

	key := MessageLogKey(s.instanceName)
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append message log: %w", err)
	}
	return nil
}

// ReplayMessageLog iterates the durable message log in append order,
// invoking fn for each logged message. Returning an error from fn stops
// the replay.
func (s *Store) ReplayMessageLog(ctx context.Context, fn func(*wire.Message) error) error {
	key := MessageLogKey(s.instanceName)

	entries, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read message log: %w", err)
	}

	for _, entry := range entries {
		var msg wire.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return fmt.Errorf("failed to unmarshal logged message: %w", err)
		}
		if err := fn(&msg); err != nil {
			return err
		}
	}
	return nil
}

// PushDeadLetter places an undeliverable message in the bounded dead-letter
// list. The oldest entries are trimmed once maxEntries is exceeded; the
// store never grows without bound.
func (s *Store) PushDeadLetter(ctx context.Context, msg *wire.Message, reason string, maxEntries int) error {
	dl := DeadLetter{
		Message:  msg,
		Reason:   reason,
		DeadAtMs: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	key := DeadLettersKey(s.instanceName)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(maxEntries)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the most recent dead letters, newest first.
// limit <= 0 returns all retained entries.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit) - 1
	}

	entries, err := s.rdb.LRange(ctx, DeadLettersKey(s.instanceName), 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	letters := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(entry), &dl); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// PublishMessage publishes a message on the given channel and returns the
// number of subscribers that received it. Zero receivers means nobody is
// listening; the router treats that as a transient delivery failure.
func (s *Store) PublishMessage(ctx context.Context, channel string, msg *wire.Message) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	receivers, err := s.rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return receivers, nil
}

// PublishEvent publishes a state-change event on the state events channel.
func (s *Store) PublishEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal state event: %w", err)
	}

	channel := StateEventsChannel(s.instanceName)
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish state event: %w", err)
	}
	return nil
}

// MessageSubscription is an active Pub/Sub subscription delivering decoded
// messages. Caller must call Close when done.
type MessageSubscription struct {
	messages <-chan *wire.Message
	errors   <-chan error
	cancel   func()
	once     sync.Once
}

// Messages returns the channel of decoded messages. The channel is closed
// when the subscription is closed or its context is cancelled.
func (s *MessageSubscription) Messages() <-chan *wire.Message {
	return s.messages
}

// Errors returns the channel of subscription errors. Errors are non-fatal;
// the malformed payload is skipped and the subscription continues.
func (s *MessageSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements
// io.Closer. Safe to call multiple times.
func (s *MessageSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeMessages subscribes to message traffic on the given channel.
// Messages are delivered on a buffered channel; Redis Pub/Sub is
// at-most-once, so a slow subscriber can miss messages.
func (s *Store) SubscribeMessages(ctx context.Context, channel string) (*MessageSubscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be established so a publish immediately
	// after this call counts us as a receiver.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messagesChan := make(chan *wire.Message, 16)
	errorsChan := make(chan error, 16)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(messagesChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var decoded wire.Message
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal message: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case messagesChan <- &decoded:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &MessageSubscription{
		messages: messagesChan,
		errors:   errorsChan,
		cancel:   cancelFunc,
	}, nil
}

// EventSubscription is an active Pub/Sub subscription to state events.
type EventSubscription struct {
	events <-chan Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of state events.
func (s *EventSubscription) Events() <-chan Event {
	return s.events
}

// Errors returns the channel of subscription errors.
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Implements io.Closer.
func (s *EventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents subscribes to state-change events for this instance.
func (s *Store) SubscribeEvents(ctx context.Context) (*EventSubscription, error) {
	channel := StateEventsChannel(s.instanceName)
	pubsub := s.rdb.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to state events: %w", err)
	}

	eventsChan := make(chan Event, 16)
	errorsChan := make(chan error, 16)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal state event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
