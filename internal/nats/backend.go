// Package nats wires the scheduler to a NATS server: job rows live in a
// JetStream KV bucket and cluster events travel over core pub/sub.
package nats

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/openjobspec/ojs-racejob/internal/kv"
)

// Backend owns the NATS connection shared by the job store and the bus.
type Backend struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	jobs  *kv.JobStore
	bus   *EventBus
	log   *zap.SugaredLogger
	start time.Time
}

// New connects to natsURL and prepares the job bucket. The event bus is
// bound to instance.
func New(ctx context.Context, natsURL, instance string, log *zap.SugaredLogger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	nc, err := nats.Connect(natsURL,
		nats.Name("racejob-"+instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to NATS")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "creating JetStream context")
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	bucket, err := SetupJetStream(setupCtx, js)
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "setting up JetStream")
	}

	log.Infow("Connected to NATS", "url", nc.ConnectedUrl(), "bucket", BucketJobs)
	return &Backend{
		nc:    nc,
		js:    js,
		jobs:  kv.NewJobStore(bucket),
		bus:   NewEventBus(nc, instance, log),
		log:   log,
		start: time.Now(),
	}, nil
}

// Conn returns the underlying NATS connection.
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

// Jobs returns the KV-backed job store.
func (b *Backend) Jobs() *kv.JobStore {
	return b.jobs
}

// Bus returns the event bus of the configured instance.
func (b *Backend) Bus() *EventBus {
	return b.bus
}

// Health checks the connection and the bucket round trip.
func (b *Backend) Health(ctx context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return errors.Newf("NATS status: %v", status)
	}
	if _, err := b.js.KeyValue(ctx, BucketJobs); err != nil {
		return errors.Wrapf(err, "open KV bucket %s", BucketJobs)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Backend) Close() error {
	_ = b.bus.Close()
	b.nc.Close()
	b.log.Infow("NATS connection closed", "uptime", time.Since(b.start))
	return nil
}
