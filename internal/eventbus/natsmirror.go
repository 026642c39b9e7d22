// Copyright (c) The IoTGrid Authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package eventbus

import (
	"encoding/json"

	"github.com/iotgrid/telemetry-pipeline/pkg/log"
	"github.com/iotgrid/telemetry-pipeline/pkg/nats"
)

// MirrorToNATS subscribes to the bus's firehose and republishes every event
// onto the given NATS subject, JSON-encoded. It is a fire-and-forget
// enrichment for external consumers outside this process; a NATS outage
// never affects in-process delivery, since the firehose subscription's
// queue is independent of any other subscriber's.
//
// Returns the Subscription so callers can Close it on shutdown; it is a
// no-op (returns nil) if no NATS client is connected.
func (b *Bus) MirrorToNATS(subject string) *Subscription {
	client := nats.GetClient()
	if client == nil {
		return nil
	}

	sub := b.SubscribeFirehose()
	go func() {
		for ev := range sub.C {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warnf("eventbus: failed to encode event for NATS mirror: %s", err)
				continue
			}
			if err := client.Publish(subject, data); err != nil {
				log.Warnf("eventbus: NATS publish failed: %s", err)
			}
		}
	}()
	return sub
}
