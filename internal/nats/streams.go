package nats

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the KV bucket holding job rows and returns it.
// Only the latest revision of a row is needed.
func SetupJetStream(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketJobs,
		Description: "race job definitions and lock state",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating KV bucket %s", BucketJobs)
	}
	return bucket, nil
}
