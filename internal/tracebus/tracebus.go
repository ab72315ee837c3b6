// Package tracebus implements the Device Tracer Binding: the
// adapter that converts changed-sector events from the kernel
// change-tracking module into AddInterval calls against a device's Store.
//
// Production wiring is over NATS core pub/sub: the kernel module (or a
// sidecar that reads it) publishes to subject "sector.changes.<device-id>"
// and this package subscribes. Delivery is at-least-once — the Store's
// union semantics already make duplicates harmless, so no dedup is
// attempted here. Reconnection to the NATS server on startup is retried
// with exponential backoff (cenkalti/backoff), since nats.go's own
// reconnect handling only covers a connection that was already
// established, not the initial dial.
package tracebus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/sectorstore"
)

const subjectPrefix = "sector.changes."

// NatsTracer implements devreg.Tracer over a NATS connection.
type NatsTracer struct {
	nc     *nats.Conn
	logger zerolog.Logger

	subs map[blockdev.DeviceID]*nats.Subscription
}

// Dial connects to a NATS server at url, retrying the initial connection
// with exponential backoff before giving up.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*NatsTracer, error) {
	var nc *nats.Conn
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		nc, err = nats.Connect(url,
			nats.Name("linux-agent-tracebus"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("tracebus: nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				logger.Info().Msg("tracebus: nats reconnected")
			}),
		)
		return err
	}

	if err := backoff.Retry(op, backoff.NewExponentialBackOff()); err != nil {
		return nil, fmt.Errorf("tracebus: connect to %s: %w", url, err)
	}

	logger.Info().Str("url", url).Msg("tracebus: connected")
	return &NatsTracer{
		nc:     nc,
		logger: logger.With().Str("component", "tracebus").Logger(),
		subs:   make(map[blockdev.DeviceID]*nats.Subscription),
	}, nil
}

// Close tears down the NATS connection.
func (t *NatsTracer) Close() {
	t.nc.Close()
}

func subject(device blockdev.DeviceID) string {
	return subjectPrefix + device.String()
}

// Start implements devreg.Tracer. It subscribes to the device's subject
// and, for every delivered payload, decodes it as a SectorInterval and
// unions it into store. A "full device" payload (see decodeInterval) is
// delivered as-is: the publisher is responsible for emitting
// [0, device_size_in_sectors) on drop detection.
func (t *NatsTracer) Start(_ context.Context, device blockdev.DeviceID, store *sectorstore.Store) error {
	if _, ok := t.subs[device]; ok {
		return nil // idempotent
	}

	sub, err := t.nc.Subscribe(subject(device), func(msg *nats.Msg) {
		if len(msg.Data) == 0 {
			// Flush sentinel: nothing to apply. Because NATS dispatches
			// messages on one subject from one publisher in delivery
			// order, replying here only after every change event
			// published before this request has already been applied to
			// store guarantees Flush's "returns only after all pending
			// events have been delivered" contract.
			if msg.Reply != "" {
				_ = msg.Respond(nil)
			}
			return
		}
		iv, ok := decodeInterval(msg.Data)
		if !ok {
			t.logger.Warn().Str("device", device.String()).Msg("tracebus: malformed change event, dropping")
			return
		}
		store.AddInterval(iv)
	})
	if err != nil {
		return fmt.Errorf("tracebus: subscribe %s: %w", device, err)
	}

	t.subs[device] = sub
	return nil
}

// Flush implements devreg.Tracer by round-tripping a sentinel message
// through the same subject and waiting for its own delivery.
func (t *NatsTracer) Flush(ctx context.Context, device blockdev.DeviceID) error {
	deadline, ok := ctx.Deadline()
	timeout := 30 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	_, err := t.nc.Request(subject(device), nil, timeout)
	if err != nil {
		return fmt.Errorf("tracebus: flush %s: %w", device, err)
	}
	return nil
}

// Stop implements devreg.Tracer.
func (t *NatsTracer) Stop(_ context.Context, device blockdev.DeviceID) error {
	sub, ok := t.subs[device]
	if !ok {
		return nil
	}
	delete(t.subs, device)
	return sub.Unsubscribe()
}

// encodeInterval/decodeInterval define the 16-byte wire payload for a
// single change event: big-endian Lower then Upper sector addresses.
func encodeInterval(iv sectorstore.Interval) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], iv.Lower)
	binary.BigEndian.PutUint64(buf[8:16], iv.Upper)
	return buf
}

func decodeInterval(data []byte) (sectorstore.Interval, bool) {
	if len(data) != 16 {
		return sectorstore.Interval{}, false
	}
	return sectorstore.Interval{
		Lower: binary.BigEndian.Uint64(data[0:8]),
		Upper: binary.BigEndian.Uint64(data[8:16]),
	}, true
}

// PublishChange publishes a single change event for device. This is the
// producer side of the subject Start subscribes to — in production, owned
// by whatever bridges the kernel module into user space; tests use it
// directly to simulate tracer traffic.
func (t *NatsTracer) PublishChange(device blockdev.DeviceID, iv sectorstore.Interval) error {
	return t.nc.Publish(subject(device), encodeInterval(iv))
}
