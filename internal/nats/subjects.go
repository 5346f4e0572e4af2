package nats

import "encoding/base64"

// Subject and bucket layout.
//
//	racejob.events.{instance}  -- cluster events of one scheduler instance
//	racejob-jobs               -- KV bucket holding every job row
const (
	SubjectPrefix = "racejob"

	BucketJobs = "racejob-jobs"
)

// EventSubject returns the subject shared by every process of instance.
// Example: racejob.events.cmFjZUpvYlNjaGVkdWxlcg
func EventSubject(instance string) string {
	return SubjectPrefix + ".events." + base64.RawURLEncoding.EncodeToString([]byte(instance))
}

// EventsAllSubject returns the wildcard subject for all instances.
func EventsAllSubject() string {
	return SubjectPrefix + ".events.>"
}
