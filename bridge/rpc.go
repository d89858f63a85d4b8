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
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/jameslbray/chatrelay/common"
)

// PublishAndWait request-reply over pub/sub. The request envelope is stamped
// with a fresh correlation ID and this bridge's reply inbox; the call blocks
// until the matching response arrives, the timeout fires, or the context ends.
// Each correlation ID resolves at most once
func (b *busBridgeImpl) PublishAndWait(
	ctxt context.Context,
	topic, routingKey string,
	env common.Envelope,
	timeout time.Duration,
) (common.Envelope, error) {
	correlationID := uuid.New().String()
	env.CorrelationID = correlationID
	env.ReplyTo = b.replyInbox

	replyChan := make(chan common.Envelope, 1)
	b.rpcLock.Lock()
	b.pending[correlationID] = replyChan
	b.rpcLock.Unlock()

	if err := b.Publish(ctxt, topic, routingKey, env); err != nil {
		b.releaseSlot(correlationID)
		return common.Envelope{}, err
	}

	timer := b.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyChan:
		return reply, nil
	case <-timer.C:
		b.releaseSlot(correlationID)
		log.WithFields(b.LogTags).Warnf(
			"Request %s on %s timed out after %s", correlationID, routingKey, timeout,
		)
		return common.Envelope{}, &RPCTimeoutError{CorrelationID: correlationID}
	case <-ctxt.Done():
		b.releaseSlot(correlationID)
		return common.Envelope{}, ctxt.Err()
	}
}

// releaseSlot drop a pending request slot. Replies arriving afterward for
// this correlation ID are discarded
func (b *busBridgeImpl) releaseSlot(correlationID string) {
	b.rpcLock.Lock()
	defer b.rpcLock.Unlock()
	delete(b.pending, correlationID)
}

// handleReply inbox callback resolving pending requests by correlation ID
func (b *busBridgeImpl) handleReply(ctxt context.Context, subject string, data []byte) {
	var env common.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Discarding undecodable reply")
		return
	}
	if env.CorrelationID == "" {
		log.WithFields(b.LogTags).Warn("Discarding reply without correlation ID")
		return
	}
	b.rpcLock.Lock()
	replyChan, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.rpcLock.Unlock()
	if !ok {
		// Late or duplicate reply. The requester already gave up
		log.WithFields(b.LogTags).Debugf(
			"Discarding reply for unknown request %s", env.CorrelationID,
		)
		return
	}
	replyChan <- env
}
