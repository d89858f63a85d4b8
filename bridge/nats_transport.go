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
	"errors"

	"github.com/apex/log"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/core"
	"github.com/nats-io/nats.go"
)

// natsTransport implements Transport on a NATS client. Durable queues map to
// JetStream streams; reply inbox traffic stays on core NATS subjects
type natsTransport struct {
	common.Component
	client core.NatsClient
}

// GetNatsTransport define a Transport backed by an established NATS client
func GetNatsTransport(client core.NatsClient, instance string) (Transport, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "nats-transport", "instance": instance,
	}
	return &natsTransport{
		Component: common.Component{LogTags: logTags}, client: client,
	}, nil
}

// Publish fire-and-forget send on a subject
func (t *natsTransport) Publish(ctxt context.Context, subject string, data []byte) error {
	if err := t.client.NATS().Publish(subject, data); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Unable to publish on %s", subject)
		return err
	}
	return t.client.NATS().FlushWithContext(ctxt)
}

// SubscribeInbox light-weight subscription for reply traffic
func (t *natsTransport) SubscribeInbox(subject string, handler InboxHandler) error {
	_, err := t.client.NATS().Subscribe(subject, func(msg *nats.Msg) {
		handler(context.Background(), msg.Subject, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Inbox subscribe on %s failed", subject)
		return err
	}
	log.WithFields(t.LogTags).Infof("Subscribed to reply inbox %s", subject)
	return nil
}

// SubscribeQueue attach a consumer to a queue for one subject pattern
func (t *natsTransport) SubscribeQueue(
	durableName, group, subjectPattern string, durable bool, handler QueueHandler,
) error {
	if !durable {
		// No backing stream. Core NATS delivery, nothing to acknowledge
		cb := func(msg *nats.Msg) {
			handler(context.Background(), InboundMessage{
				Subject: msg.Subject,
				Data:    msg.Data,
				Ack:     func() {},
				Nak:     func() {},
			})
		}
		var err error
		if group != "" {
			_, err = t.client.NATS().QueueSubscribe(subjectPattern, group, cb)
		} else {
			_, err = t.client.NATS().Subscribe(subjectPattern, cb)
		}
		if err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf(
				"Subscribe %s on %s failed", durableName, subjectPattern,
			)
		}
		return err
	}
	cb := func(msg *nats.Msg) {
		handler(context.Background(), InboundMessage{
			Subject: msg.Subject,
			Data:    msg.Data,
			Ack: func() {
				if err := msg.Ack(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Errorf(
						"ACK failed on %s", msg.Subject,
					)
				}
			},
			Nak: func() {
				if err := msg.Term(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Errorf(
						"Reject failed on %s", msg.Subject,
					)
				}
			},
		})
	}
	opts := []nats.SubOpt{nats.Durable(durableName), nats.ManualAck(), nats.AckExplicit()}
	var err error
	if group != "" {
		_, err = t.client.JetStream().QueueSubscribe(subjectPattern, group, cb, opts...)
	} else {
		_, err = t.client.JetStream().Subscribe(subjectPattern, cb, opts...)
	}
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf(
			"Queue subscribe %s on %s failed", durableName, subjectPattern,
		)
		return err
	}
	log.WithFields(t.LogTags).Infof(
		"Consumer %s attached to %s (group '%s')", durableName, subjectPattern, group,
	)
	return nil
}

// EnsureStream idempotently create or update the stream backing a durable queue
func (t *natsTransport) EnsureStream(
	ctxt context.Context, name string, subjects []string,
) error {
	config := &nats.StreamConfig{Name: name, Subjects: subjects}
	_, err := t.client.JetStream().StreamInfo(name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(t.LogTags).Errorf("Stream %s lookup failed", name)
			return err
		}
		if _, err := t.client.JetStream().AddStream(config); err != nil {
			log.WithError(err).WithFields(t.LogTags).Errorf("Stream %s create failed", name)
			return err
		}
		log.WithFields(t.LogTags).Infof("Created stream %s for %v", name, subjects)
		return nil
	}
	if _, err := t.client.JetStream().UpdateStream(config); err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Stream %s update failed", name)
		return err
	}
	log.WithFields(t.LogTags).Debugf("Stream %s bound to %v", name, subjects)
	return nil
}

// Close tear down the transport connection
func (t *natsTransport) Close(ctxt context.Context) {
	t.client.Close(ctxt)
}
