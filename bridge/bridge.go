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
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/resilience"
)

// MessageHandler async callback invoked per queue message. A nil return
// acknowledges the message; an error (or panic) rejects it without requeue
type MessageHandler func(ctxt context.Context, env common.Envelope) error

// BusBridge abstraction over the message bus: topology declaration, publish,
// subscribe, and request-reply over pub/sub
type BusBridge interface {
	// Connect establish the transport connection, guarded by the retry policy
	// and the bus circuit breaker. On exhaustion the bridge stays disconnected
	// and re-attempts lazily on next use
	Connect(ctxt context.Context) error
	// Connected whether the transport connection is currently established
	Connected() bool
	// DeclareTopic idempotently register a topic
	DeclareTopic(ctxt context.Context, name string) error
	// DeclareQueue idempotently register a queue
	DeclareQueue(ctxt context.Context, name string, durable bool) error
	// Bind attach a queue to a topic with a routing pattern
	Bind(ctxt context.Context, queue, topic, pattern string) error
	// Subscribe attach a handler to every binding of a queue. Handlers run on
	// the bridge's consumer worker pool
	Subscribe(queue, group string, handler MessageHandler) error
	// Publish fire-and-forget send
	Publish(ctxt context.Context, topic, routingKey string, env common.Envelope) error
	// Reply send a response envelope directly to a reply address
	Reply(ctxt context.Context, replyTo string, env common.Envelope) error
	// PublishAndWait request-reply over pub/sub with a correlation ID
	PublishAndWait(
		ctxt context.Context,
		topic, routingKey string,
		env common.Envelope,
		timeout time.Duration,
	) (common.Envelope, error)
	// ReplyInbox the reply address unique to this bridge instance
	ReplyInbox() string
	// Close stop the consumer pool and tear down the transport
	Close(ctxt context.Context)
}

// BusBridgeParams parameters for defining a BusBridge
type BusBridgeParams struct {
	// Instance name for logging
	Instance string `validate:"required"`
	// NodeID self-origin marker stamped on published envelopes
	NodeID string `validate:"required"`
	// Factory dials the bus. Each invocation is one connection attempt
	Factory TransportFactory `validate:"required"`
	// Retry executor guarding connect, publish, and stream setup
	Retry resilience.RetryExecutor `validate:"required"`
	// Breaker the bus dependency circuit breaker
	Breaker resilience.CircuitBreaker `validate:"required"`
	// ConsumerWorkers worker count of the queue handler pool
	ConsumerWorkers int `validate:"required,gte=1"`
}

// busBridgeImpl implements BusBridge
type busBridgeImpl struct {
	common.Component
	nodeID     string
	factory    TransportFactory
	retry      resilience.RetryExecutor
	breaker    resilience.CircuitBreaker
	clk        clock.Clock
	validate   *validator.Validate
	replyInbox string
	tp         common.TaskProcessor

	connLock  sync.Mutex
	transport Transport

	topoLock sync.Mutex
	topics   map[string]bool
	queues   map[string]*queueBinding

	rpcLock sync.Mutex
	pending map[string]chan common.Envelope
}

// queueBinding declared queue metadata. Immutable once subscriptions start
type queueBinding struct {
	durable  bool
	patterns []string
}

// queueDeliveryTask consumer pool work item
type queueDeliveryTask struct {
	handler MessageHandler
	msg     InboundMessage
}

// GetBusBridge define a new BusBridge
func GetBusBridge(
	params BusBridgeParams, clk clock.Clock, wg *sync.WaitGroup, rootCtxt context.Context,
) (BusBridge, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "bus-bridge", "instance": params.Instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid bus bridge parameters")
		return nil, err
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		fmt.Sprintf("%s.consumers", params.Instance),
		params.ConsumerWorkers*4,
		params.ConsumerWorkers,
		rootCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define consumer pool")
		return nil, err
	}
	instance := &busBridgeImpl{
		Component:  common.Component{LogTags: logTags},
		nodeID:     params.NodeID,
		factory:    params.Factory,
		retry:      params.Retry,
		breaker:    params.Breaker,
		clk:        clk,
		validate:   validate,
		replyInbox: fmt.Sprintf("_INBOX.chatrelay.%s", uuid.New().String()),
		tp:         tp,
		topics:     make(map[string]bool),
		queues:     make(map[string]*queueBinding),
		pending:    make(map[string]chan common.Envelope),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(queueDeliveryTask{}), instance.processQueueDelivery,
	); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

// Connect establish the transport connection
func (b *busBridgeImpl) Connect(ctxt context.Context) error {
	b.connLock.Lock()
	defer b.connLock.Unlock()
	return b.connectLocked(ctxt)
}

// connectLocked dial the bus under the retry policy. Caller holds connLock
func (b *busBridgeImpl) connectLocked(ctxt context.Context) error {
	if b.transport != nil {
		return nil
	}
	var dialed Transport
	err := b.retry.Run(ctxt, func(ctxt context.Context) error {
		t, err := b.factory(ctxt)
		if err != nil {
			return err
		}
		dialed = t
		return nil
	}, b.breaker)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Bus connect failed all attempts")
		return err
	}
	if err := dialed.SubscribeInbox(b.replyInbox, b.handleReply); err != nil {
		dialed.Close(ctxt)
		return err
	}
	b.transport = dialed
	log.WithFields(b.LogTags).Info("Bus transport connected")
	return nil
}

// getTransport fetch the live transport, dialing lazily when disconnected
func (b *busBridgeImpl) getTransport(ctxt context.Context) (Transport, error) {
	b.connLock.Lock()
	defer b.connLock.Unlock()
	if err := b.connectLocked(ctxt); err != nil {
		return nil, err
	}
	return b.transport, nil
}

// Connected whether the transport connection is currently established
func (b *busBridgeImpl) Connected() bool {
	b.connLock.Lock()
	defer b.connLock.Unlock()
	return b.transport != nil
}

// ReplyInbox the reply address unique to this bridge instance
func (b *busBridgeImpl) ReplyInbox() string {
	return b.replyInbox
}

// ==============================================================================
// Topology

// DeclareTopic idempotently register a topic
func (b *busBridgeImpl) DeclareTopic(ctxt context.Context, name string) error {
	if err := validateSubject(name); err != nil {
		return err
	}
	b.topoLock.Lock()
	defer b.topoLock.Unlock()
	if !b.topics[name] {
		b.topics[name] = true
		log.WithFields(b.LogTags).Infof("Declared topic %s", name)
	}
	return nil
}

// DeclareQueue idempotently register a queue
func (b *busBridgeImpl) DeclareQueue(ctxt context.Context, name string, durable bool) error {
	if err := validateSubject(name); err != nil {
		return err
	}
	b.topoLock.Lock()
	defer b.topoLock.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queueBinding{durable: durable}
		log.WithFields(b.LogTags).Infof("Declared queue %s (durable %t)", name, durable)
	}
	return nil
}

// Bind attach a queue to a topic with a routing pattern
func (b *busBridgeImpl) Bind(ctxt context.Context, queue, topic, pattern string) error {
	if err := validateSubject(pattern); err != nil {
		return err
	}
	b.topoLock.Lock()
	defer b.topoLock.Unlock()
	binding, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("queue '%s' not declared", queue)
	}
	if !b.topics[topic] {
		return fmt.Errorf("topic '%s' not declared", topic)
	}
	for _, existing := range binding.patterns {
		if existing == pattern {
			return nil
		}
	}
	binding.patterns = append(binding.patterns, pattern)
	log.WithFields(b.LogTags).Infof("Bound queue %s to %s with %s", queue, topic, pattern)
	if !binding.durable {
		return nil
	}
	// Durable queues are backed by a stream capturing every bound pattern
	transport, err := b.getTransport(ctxt)
	if err != nil {
		return err
	}
	subjects := make([]string, len(binding.patterns))
	copy(subjects, binding.patterns)
	return b.retry.Run(ctxt, func(ctxt context.Context) error {
		return transport.EnsureStream(ctxt, queue, subjects)
	}, b.breaker)
}

// Subscribe attach a handler to every binding of a queue
func (b *busBridgeImpl) Subscribe(queue, group string, handler MessageHandler) error {
	b.topoLock.Lock()
	binding, ok := b.queues[queue]
	if !ok {
		b.topoLock.Unlock()
		return fmt.Errorf("queue '%s' not declared", queue)
	}
	patterns := make([]string, len(binding.patterns))
	copy(patterns, binding.patterns)
	durable := binding.durable
	b.topoLock.Unlock()
	if len(patterns) == 0 {
		return fmt.Errorf("queue '%s' has no bindings", queue)
	}

	transport, err := b.getTransport(context.Background())
	if err != nil {
		return err
	}
	wrapped := func(ctxt context.Context, msg InboundMessage) {
		if err := b.tp.Submit(ctxt, queueDeliveryTask{handler: handler, msg: msg}); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to enqueue message from %s", msg.Subject,
			)
			msg.Nak()
		}
	}
	for idx := 0; idx < len(patterns); idx++ {
		durableName := fmt.Sprintf("%s-%d", queue, idx)
		if err := transport.SubscribeQueue(
			durableName, group, patterns[idx], durable, wrapped,
		); err != nil {
			return err
		}
	}
	return nil
}

// processQueueDelivery consumer pool handler: decode, dispatch, ack or reject
func (b *busBridgeImpl) processQueueDelivery(param interface{}) error {
	task, ok := param.(queueDeliveryTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for queue delivery", reflect.TypeOf(param))
	}
	var env common.Envelope
	if err := json.Unmarshal(task.msg.Data, &env); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Rejecting undecodable message from %s", task.msg.Subject,
		)
		task.msg.Nak()
		return nil
	}
	if err := b.validate.Struct(&env); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Rejecting malformed envelope from %s", task.msg.Subject,
		)
		task.msg.Nak()
		return nil
	}
	b.dispatchToHandler(task.handler, env, task.msg)
	return nil
}

// dispatchToHandler run one handler with panic isolation
func (b *busBridgeImpl) dispatchToHandler(
	handler MessageHandler, env common.Envelope, msg InboundMessage,
) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(b.LogTags).Errorf(
				"Handler panic on %s: %v. Rejecting message", msg.Subject, p,
			)
			msg.Nak()
		}
	}()
	if err := handler(context.Background(), env); err != nil {
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Handler rejected message from %s", msg.Subject,
		)
		msg.Nak()
		return
	}
	msg.Ack()
}

// ==============================================================================
// Publishing

// Publish fire-and-forget send
func (b *busBridgeImpl) Publish(
	ctxt context.Context, topic, routingKey string, env common.Envelope,
) error {
	b.topoLock.Lock()
	declared := b.topics[topic]
	b.topoLock.Unlock()
	if !declared {
		return &DeliveryError{
			Topic: topic, RoutingKey: routingKey,
			Err: fmt.Errorf("topic '%s' not declared", topic),
		}
	}
	if err := validateSubject(routingKey); err != nil {
		return &DeliveryError{Topic: topic, RoutingKey: routingKey, Err: err}
	}
	if err := b.send(ctxt, routingKey, env); err != nil {
		return &DeliveryError{Topic: topic, RoutingKey: routingKey, Err: err}
	}
	return nil
}

// Reply send a response envelope directly to a reply address
func (b *busBridgeImpl) Reply(
	ctxt context.Context, replyTo string, env common.Envelope,
) error {
	if err := b.send(ctxt, replyTo, env); err != nil {
		return &DeliveryError{Topic: "reply", RoutingKey: replyTo, Err: err}
	}
	return nil
}

// send marshal and publish an envelope with retry
func (b *busBridgeImpl) send(
	ctxt context.Context, subject string, env common.Envelope,
) error {
	if env.Source == "" {
		env.Source = b.nodeID
	}
	if env.Timestamp == 0 {
		env.Timestamp = common.TimestampOf(b.clk.Now())
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to marshal %s", env.Type)
		return err
	}
	transport, err := b.getTransport(ctxt)
	if err != nil {
		return err
	}
	return b.retry.Run(ctxt, func(ctxt context.Context) error {
		return transport.Publish(ctxt, subject, payload)
	}, b.breaker)
}

// Close stop the consumer pool and tear down the transport
func (b *busBridgeImpl) Close(ctxt context.Context) {
	_ = b.tp.StopEventLoop()
	b.connLock.Lock()
	defer b.connLock.Unlock()
	if b.transport != nil {
		b.transport.Close(ctxt)
		b.transport = nil
	}
	log.WithFields(b.LogTags).Info("Bus bridge closed")
}
