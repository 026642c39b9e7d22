// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus(t *testing.T) {
	t.Run("firehose subscriber sees every device's events", func(t *testing.T) {
		b := New(16)
		sub := b.SubscribeFirehose()
		defer sub.Close()

		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})
		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-2"})

		ev1 := <-sub.C
		ev2 := <-sub.C
		assert.Equal(t, "dev-1", ev1.DeviceID)
		assert.Equal(t, "dev-2", ev2.DeviceID)
	})

	t.Run("per-device subscriber only sees its own device", func(t *testing.T) {
		b := New(16)
		sub := b.Subscribe("dev-1")
		defer sub.Close()

		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-2"})
		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})

		ev := <-sub.C
		assert.Equal(t, "dev-1", ev.DeviceID)
		select {
		case <-sub.C:
			t.Fatal("should not have received dev-2's event")
		default:
		}
	})

	t.Run("full queue drops oldest and increments overflow without blocking publisher", func(t *testing.T) {
		b := New(2)
		sub := b.Subscribe("dev-1")
		defer sub.Close()

		for i := 0; i < 5; i++ {
			b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})
		}

		assert.Greater(t, sub.Overflows(), uint64(0))
		assert.Len(t, sub.C, 2)
	})

	t.Run("one subscriber's overflow does not affect another's delivery", func(t *testing.T) {
		b := New(1)
		slow := b.Subscribe("dev-1")
		fast := b.Subscribe("dev-1")
		defer slow.Close()
		defer fast.Close()

		for i := 0; i < 3; i++ {
			b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})
			<-fast.C
		}

		assert.Greater(t, slow.Overflows(), uint64(0))
	})

	t.Run("close removes subscriber from all topics", func(t *testing.T) {
		b := New(16)
		sub := b.Subscribe("dev-1")
		sub.Close()

		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})

		select {
		case <-sub.C:
			t.Fatal("closed subscription should not receive events")
		default:
		}
	})

	t.Run("AddDeviceTopic extends an existing subscription", func(t *testing.T) {
		b := New(16)
		sub := b.Subscribe()
		defer sub.Close()


		b.AddDeviceTopic(sub, "dev-1")
		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})

		ev := <-sub.C
		require.Equal(t, "dev-1", ev.DeviceID)
	})

	t.Run("AddFirehoseTopic and RemoveFirehoseTopic toggle firehose visibility", func(t *testing.T) {
		b := New(16)
		sub := b.Subscribe()
		defer sub.Close()

		b.AddFirehoseTopic(sub)
		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-1"})
		ev := <-sub.C
		assert.Equal(t, "dev-1", ev.DeviceID)

		b.RemoveFirehoseTopic(sub)
		b.Publish(Event{Kind: EventMetricNew, DeviceID: "dev-2"})
		select {
		case <-sub.C:
			t.Fatal("should not receive after firehose removal")
		default:
		}
	})

	t.Run("MirrorToNATS is a no-op when no NATS client is connected", func(t *testing.T) {
		b := New(16)
		sub := b.MirrorToNATS("telemetry.events")
		assert.Nil(t, sub)
	})
}
