// Copyright 2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"fmt"
	"regexp"
)

// DeliveryError publish to the bus failed after retry exhaustion
type DeliveryError struct {
	// Topic the publish target
	Topic string
	// RoutingKey the publish routing key
	RoutingKey string
	// Err the underlying failure
	Err error
}

// Error implements error
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s/%s failed: %s", e.Topic, e.RoutingKey, e.Err)
}

// Unwrap expose the underlying failure
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RPCTimeoutError no correlated reply arrived within the deadline
type RPCTimeoutError struct {
	// CorrelationID the request token which was never answered
	CorrelationID string
}

// Error implements error
func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("rpc %s timed out waiting for reply", e.CorrelationID)
}

// ==============================================================================

// InboundMessage one message delivered off a bus queue. Exactly one of Ack or
// Nak must be called once the handler is done with the message
type InboundMessage struct {
	// Subject the full subject the message arrived on
	Subject string
	// Data the raw message payload
	Data []byte
	// Ack signal successful processing
	Ack func()
	// Nak signal unrecoverable failure, no requeue requested
	Nak func()
}

// QueueHandler per-message callback of a queue subscription
type QueueHandler func(ctxt context.Context, msg InboundMessage)

// InboxHandler per-message callback of the reply inbox subscription
type InboxHandler func(ctxt context.Context, subject string, data []byte)

// Transport minimal surface the bridge needs from the underlying message bus
type Transport interface {
	// Publish fire-and-forget send on a subject
	Publish(ctxt context.Context, subject string, data []byte) error
	// SubscribeInbox light-weight subscription for reply traffic. Messages
	// are auto-acknowledged
	SubscribeInbox(subject string, handler InboxHandler) error
	// SubscribeQueue attach a consumer to a queue for one subject pattern.
	// A non-empty group shares the messages amongst group members. Non-durable
	// queues have no backing stream and deliver without acknowledgment
	SubscribeQueue(
		durableName, group, subjectPattern string, durable bool, handler QueueHandler,
	) error
	// EnsureStream idempotently create or update the durable stream backing
	// a queue so it captures the given subject set
	EnsureStream(ctxt context.Context, name string, subjects []string) error
	// Close tear down the transport connection
	Close(ctxt context.Context)
}

// TransportFactory dials the message bus. Invoked under the connect retry
// policy, so each call is one connection attempt
type TransportFactory func(ctxt context.Context) (Transport, error)

// ==============================================================================

var subjectPatternRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-*>]+(\.[a-zA-Z0-9_\-*>]+)*$`)

// validateSubject verify a subject or binding pattern is structurally sound
func validateSubject(subject string) error {
	if !subjectPatternRegex.MatchString(subject) {
		return fmt.Errorf("invalid subject '%s'", subject)
	}
	return nil
}
