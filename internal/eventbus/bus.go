// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eventbus implements the in-process pub/sub fanout: a firehose
// topic that receives every event, and per-device topics that receive only
// events for one device. Publish never blocks on a slow subscriber; each
// subscriber has its own bounded queue, and a full queue drops its oldest
// entry rather than stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/iotgrid/telemetry-pipeline/internal/metrics"
	"github.com/iotgrid/telemetry-pipeline/pkg/log"
)

// EventKind names the three event payload shapes the bus carries.
type EventKind string

const (
	EventMetricNew   EventKind = "metric:new"
	EventAnomalyNew  EventKind = "anomaly:new"
	EventDeviceUpdate EventKind = "device:update"
)

// Event is a single bus message. Payload must be JSON-serialisable; callers
// typically pass a schema.Point, schema.Anomaly, or a device-update struct.
type Event struct {
	Kind     EventKind   `json:"kind"`
	DeviceID string      `json:"deviceId"`
	Payload  interface{} `json:"payload"`
}

const firehoseTopic = "*"

func deviceTopic(deviceID string) string {
	return "device:" + deviceID
}

// subscriber is one bounded outbound queue plus its overflow counter; the
// topics it reads are tracked in Bus.topics.
type subscriber struct {
	ch       chan Event
	overflow atomic.Uint64
}

// Bus owns every subscriber's queue and the topic->subscriber index.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	topics      map[string]map[int64]struct{}
	nextID      int64
	queueSize   int
}

// New builds a Bus whose subscriber queues hold queueSize events before
// dropping the oldest entry on overflow.
func New(queueSize int) *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		topics:      make(map[string]map[int64]struct{}),
		queueSize:   queueSize,
	}
}

// Subscription is a live subscriber handle: read Events from C, call Close
// when done.
type Subscription struct {
	id  int64
	bus *Bus
	sub *subscriber
	C   <-chan Event
}

// Overflows returns how many events have been dropped for this subscriber
// due to a full queue.
func (s *Subscription) Overflows() uint64 {
	return s.sub.overflow.Load()
}

// Close tears down a subscription and removes it from every topic it was on.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subscribers, s.id)
	for _, ids := range s.bus.topics {
		delete(ids, s.id)
	}
}

// Subscribe creates a new subscription listening on zero or more per-device
// topics. Use SubscribeFirehose to additionally receive every device's
// events.
func (b *Bus) Subscribe(deviceIDs ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub

	for _, d := range deviceIDs {
		b.addToTopic(deviceTopic(d), id)
	}

	return &Subscription{id: id, bus: b, sub: sub, C: sub.ch}
}

// SubscribeFirehose creates a new subscription listening on every device's
// events.
func (b *Bus) SubscribeFirehose() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub
	b.addToTopic(firehoseTopic, id)

	return &Subscription{id: id, bus: b, sub: sub, C: sub.ch}
}

func (b *Bus) addToTopic(topic string, id int64) {
	ids, ok := b.topics[topic]
	if !ok {
		ids = make(map[int64]struct{})
		b.topics[topic] = ids
	}
	ids[id] = struct{}{}
}

// AddDeviceTopic subscribes an existing subscription to an additional
// per-device topic (used by the Subscription Gateway's
// "subscribe:device <id>" session command).
func (b *Bus) AddDeviceTopic(s *Subscription, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addToTopic(deviceTopic(deviceID), s.id)
}

// RemoveDeviceTopic undoes AddDeviceTopic.
func (b *Bus) RemoveDeviceTopic(s *Subscription, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ids, ok := b.topics[deviceTopic(deviceID)]; ok {
		delete(ids, s.id)
	}
}

// AddFirehoseTopic subscribes an existing subscription to every device's
// events (used by the Subscription Gateway's optional firehose opt-in).
func (b *Bus) AddFirehoseTopic(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addToTopic(firehoseTopic, s.id)
}

// RemoveFirehoseTopic undoes AddFirehoseTopic.
func (b *Bus) RemoveFirehoseTopic(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ids, ok := b.topics[firehoseTopic]; ok {
		delete(ids, s.id)
	}
}

// Publish fans an event out to the firehose and the event's own device
// topic. Non-blocking: a subscriber whose queue is full has its oldest
// queued event dropped to make room, and its overflow counter incremented.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, topic := range []string{firehoseTopic, deviceTopic(ev.DeviceID)} {
		for id := range b.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sub, ok := b.subscribers[id]
			if !ok {
				continue
			}
			b.send(sub, ev)
		}
	}
}

func (b *Bus) send(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Queue full: drop the oldest entry and retry once.
	select {
	case <-sub.ch:
		sub.overflow.Add(1)
		metrics.EventBusOverflows.Inc()
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		log.Warn("eventbus: subscriber queue full even after drop, event discarded")
	}
}
