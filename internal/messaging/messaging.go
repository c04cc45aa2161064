// Package messaging defines the at-least-once topic bus used to move stage
// and item tasks between processes, and an in-process implementation of it.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUndecodable marks a delivery whose payload could not be decoded
var ErrUndecodable = errors.New("undecodable message")

// Message is one delivery on a topic
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes one delivery. Returning nil acknowledges it. Errors
// wrapped with Permanent are acknowledged after logging; any other error is
// treated as transient and the delivery is left for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes serialized tasks to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Consumer runs a push-style consume loop on a topic until ctx is done
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}

// Bus is both ends of a message bus
type Bus interface {
	Publisher
	Consumer
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PublishJSON encodes v as JSON and publishes it
func PublishJSON(ctx context.Context, p Publisher, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return p.Publish(ctx, topic, key, data)
}

// JSONHandler adapts a typed handler. A payload that does not decode into T
// fails permanently with ErrUndecodable.
func JSONHandler[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		var v T
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			return Permanent(fmt.Errorf("%w: topic=%s key=%s: %v", ErrUndecodable, msg.Topic, msg.Key, err))
		}
		return fn(ctx, v)
	}
}
