package mqttcore

import (
	"sync/atomic"

	"github.com/arenmoroz/mqttcore/internal/packets"
	"github.com/arenmoroz/mqttcore/internal/topictree"
)

// Publish enqueues a PUBLISH at the given QoS. The payload is copied
// immediately so the caller may reuse or release its buffer as soon as
// Publish returns. QoS 0 completes as soon as the packet is written;
// QoS 1/2 complete when the matching PUBACK/PUBCOMP arrives, per spec
// §4.6.
func (c *Connection) Publish(topic string, qos byte, retain bool, payload []byte, onComplete CompletionFunc) (uint16, error) {
	if err := validatePublishTopic(topic); err != nil {
		return 0, err
	}
	if err := validatePayload(payload); err != nil {
		return 0, err
	}

	buf := append([]byte(nil), payload...)

	if qos == packets.QoS0 {
		send := func(id uint16, firstAttempt bool) (sendResult, error) {
			pkt := &packets.PublishPacket{Topic: topic, Payload: buf, QoS: packets.QoS0, Retain: retain}
			if err := c.writePublish(pkt); err != nil {
				return sendErr, wrapErr(KindTransportFailure, "failed to publish", err)
			}
			return sendComplete, nil
		}
		id := c.createRequest(kindPublishQoS0, true, send, onComplete)
		if id == 0 {
			return 0, newErr(KindOutOfMemory, "no free packet id")
		}
		c.pokeWorker()
		return id, nil
	}

	kind := kindPublishQoS1
	if qos == packets.QoS2 {
		kind = kindPublishQoS2
	}

	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		pkt := &packets.PublishPacket{
			Topic:    topic,
			Payload:  buf,
			QoS:      qos,
			Retain:   retain,
			PacketID: id,
			Dup:      !firstAttempt,
		}
		if err := c.writePublish(pkt); err != nil {
			return sendErr, wrapErr(KindTransportFailure, "failed to publish", err)
		}
		return sendOngoing, nil
	}
	id := c.createRequest(kind, false, send, onComplete)
	if id == 0 {
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// writePublish writes pkt to the worker's current channel, chunking
// across multiple transport messages if its encoded size exceeds the
// channel's per-message capacity (spec §4.6). Must run on the worker.
func (c *Connection) writePublish(pkt *packets.PublishPacket) error {
	limit := 0
	if c.w.channel != nil {
		limit = c.w.channel.MaxMessageSize()
	}
	if err := writeChunked(c.w.writer, c.w.counting, limit, pkt); err != nil {
		return err
	}
	atomic.AddUint64(&c.stats.packetsSent, 1)
	return nil
}

// Subscribe installs a single-topic subscription and drives a
// one-topic SUBSCRIBE to the broker, per spec §4.5.
func (c *Connection) Subscribe(filter string, qos byte, onPublish PublishHandler, userData any, onCleanup func(any), onSuback CompletionFunc) (uint16, error) {
	if err := validateSubscribeTopic(filter); err != nil {
		return 0, err
	}

	sub := &topictree.Subscription{Filter: filter, QoS: qos, Handler: onPublish, UserData: userData, Cleanup: onCleanup}
	sub.Retain()

	var (
		txn       *topictree.Txn
		committed bool
	)

	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		if !committed {
			txn = c.w.tree.Begin()
			txn.Insert(filter, sub)
			txn.Commit()
			committed = true
		}

		pkt := &packets.SubscribePacket{PacketID: id, Topics: []string{filter}, QoS: []uint8{qos}}
		if err := writePacket(c.w.writer, pkt); err != nil {
			txn.Rollback()
			committed = false
			releaseSub(sub)
			return sendErr, wrapErr(KindTransportFailure, "failed to send SUBSCRIBE", err)
		}
		atomic.AddUint64(&c.stats.packetsSent, 1)
		return sendOngoing, nil
	}

	id := c.createRequest(kindSubscribe, false, send, onSuback)
	if id == 0 {
		releaseSub(sub)
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// SubscribeSpec describes one topic filter in a batched
// SubscribeMultiple call.
type SubscribeSpec struct {
	Filter    string
	QoS       byte
	OnPublish PublishHandler
	UserData  any
	OnCleanup func(any)
}

// SubscribeMultiple stages every filter into a single topic-tree
// transaction and drives one batched SUBSCRIBE, per spec §4.5: the
// request either commits every filter or none of them.
func (c *Connection) SubscribeMultiple(specs []SubscribeSpec, onSuback CompletionFunc) (uint16, error) {
	for _, s := range specs {
		if err := validateSubscribeTopic(s.Filter); err != nil {
			return 0, err
		}
	}

	subs := make([]*topictree.Subscription, len(specs))
	for i, s := range specs {
		subs[i] = &topictree.Subscription{Filter: s.Filter, QoS: s.QoS, Handler: s.OnPublish, UserData: s.UserData, Cleanup: s.OnCleanup}
		subs[i].Retain()
	}

	var (
		txn       *topictree.Txn
		committed bool
	)

	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		if !committed {
			txn = c.w.tree.Begin()
			for i, s := range specs {
				txn.Insert(s.Filter, subs[i])
			}
			txn.Commit()
			committed = true
		}

		topics := make([]string, len(specs))
		qoss := make([]uint8, len(specs))
		for i, s := range specs {
			topics[i] = s.Filter
			qoss[i] = s.QoS
		}
		pkt := &packets.SubscribePacket{PacketID: id, Topics: topics, QoS: qoss}
		if err := writePacket(c.w.writer, pkt); err != nil {
			txn.Rollback()
			committed = false
			for _, sub := range subs {
				releaseSub(sub)
			}
			return sendErr, wrapErr(KindTransportFailure, "failed to send SUBSCRIBE", err)
		}
		atomic.AddUint64(&c.stats.packetsSent, 1)
		return sendOngoing, nil
	}

	id := c.createRequest(kindSubscribe, false, send, onSuback)
	if id == 0 {
		for _, sub := range subs {
			releaseSub(sub)
		}
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// SubscribeLocal installs a subscription that never touches the wire:
// matched publications (ones that would be routed by the broker, were
// it told about this filter) are delivered purely from the local
// topic tree. Completes immediately.
func (c *Connection) SubscribeLocal(filter string, onPublish PublishHandler, userData any, onCleanup func(any), onComplete CompletionFunc) (uint16, error) {
	if err := validateSubscribeTopic(filter); err != nil {
		return 0, err
	}

	sub := &topictree.Subscription{Filter: filter, Handler: onPublish, UserData: userData, Cleanup: onCleanup, IsLocal: true}
	sub.Retain()

	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		txn := c.w.tree.Begin()
		txn.Insert(filter, sub)
		txn.Commit()
		return sendComplete, nil
	}

	id := c.createRequest(kindLocalSubscribe, true, send, onComplete)
	if id == 0 {
		releaseSub(sub)
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// Unsubscribe removes filter's subscription(s) from the topic tree
// transactionally and, unless every removed entry is local, drives an
// UNSUBSCRIBE to the broker. Per spec §4.5, a failed send rolls the
// removal back.
func (c *Connection) Unsubscribe(filter string, onUnsuback CompletionFunc) (uint16, error) {
	if err := validateSubscribeTopic(filter); err != nil {
		return 0, err
	}

	var (
		txn       *topictree.Txn
		committed bool
		removed   []*topictree.Subscription
		allLocal  bool
	)

	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		if !committed {
			removed = append([]*topictree.Subscription(nil), c.w.tree.Find(filter)...)
			txn = c.w.tree.Begin()
			for _, sub := range removed {
				txn.Remove(filter, sub)
			}
			txn.Commit()
			committed = true

			allLocal = len(removed) > 0
			for _, sub := range removed {
				if !sub.IsLocal {
					allLocal = false
					break
				}
			}
		}

		if len(removed) == 0 || allLocal {
			return sendComplete, nil
		}

		pkt := &packets.UnsubscribePacket{PacketID: id, Topics: []string{filter}}
		if err := writePacket(c.w.writer, pkt); err != nil {
			txn.Rollback()
			committed = false
			return sendErr, wrapErr(KindTransportFailure, "failed to send UNSUBSCRIBE", err)
		}
		atomic.AddUint64(&c.stats.packetsSent, 1)
		return sendOngoing, nil
	}

	complete := func(id uint16, err error) {
		if committed {
			for _, sub := range removed {
				releaseSub(sub)
			}
		}
		if onUnsuback != nil {
			onUnsuback(id, err)
		}
	}

	id := c.createRequest(kindUnsubscribe, false, send, complete)
	if id == 0 {
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// ResubscribeExisting rebuilds a single batched SUBSCRIBE from every
// non-local subscription currently installed in the topic tree. Used
// by the embedder from OnResumed when clean_session was false but the
// broker reported session_present=false, per spec §4.5.
func (c *Connection) ResubscribeExisting(onSuback CompletionFunc) (uint16, error) {
	send := func(id uint16, firstAttempt bool) (sendResult, error) {
		var topics []string
		var qoss []uint8
		c.w.tree.All(func(sub *topictree.Subscription) {
			if sub.IsLocal {
				return
			}
			topics = append(topics, sub.Filter)
			qoss = append(qoss, sub.QoS)
		})
		if len(topics) == 0 {
			return sendComplete, nil
		}

		pkt := &packets.SubscribePacket{PacketID: id, Topics: topics, QoS: qoss}
		if err := writePacket(c.w.writer, pkt); err != nil {
			return sendErr, wrapErr(KindTransportFailure, "failed to send SUBSCRIBE", err)
		}
		atomic.AddUint64(&c.stats.packetsSent, 1)
		return sendOngoing, nil
	}

	id := c.createRequest(kindSubscribe, false, send, onSuback)
	if id == 0 {
		return 0, newErr(KindOutOfMemory, "no free packet id")
	}
	c.pokeWorker()
	return id, nil
}

// releaseSub drops sub's reference and runs its cleanup callback once
// the count reaches zero, mirroring how the tree itself releases a
// subscription when it is removed.
func releaseSub(sub *topictree.Subscription) {
	if sub.Release() && sub.Cleanup != nil {
		sub.Cleanup(sub.UserData)
	}
}
