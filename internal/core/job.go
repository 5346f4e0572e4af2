package core

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

// JobKey identifies a job inside one scheduler instance.
type JobKey struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// NewJobKey returns the key for group and name.
func NewJobKey(group, name string) JobKey {
	return JobKey{Group: group, Name: name}
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%s", k.Group, k.Name)
}

// IsZero reports whether both parts of the key are empty.
func (k JobKey) IsZero() bool {
	return k.Group == "" && k.Name == ""
}

// Job is a job definition as persisted by a Store.
type Job struct {
	Group       string         `json:"group"`
	Name        string         `json:"name"`
	Timezone    string         `json:"timezone"`
	Description string         `json:"description"`
	Cron        string         `json:"cron"`
	AfterGroup  string         `json:"after_group"`
	AfterName   string         `json:"after_name"`
	Enabled     bool           `json:"enabled"`
	Data        map[string]any `json:"data,omitempty"`
}

// Key returns the identity of the job.
func (j *Job) Key() JobKey {
	return JobKey{Group: j.Group, Name: j.Name}
}

// After returns the upstream job key and whether one is declared.
func (j *Job) After() (JobKey, bool) {
	if j.AfterGroup == "" || j.AfterName == "" {
		return JobKey{}, false
	}
	return JobKey{Group: j.AfterGroup, Name: j.AfterName}, true
}

// Validate checks the fields every store requires.
func (j *Job) Validate() error {
	if j.Group == "" || j.Name == "" {
		return NewInvalidJobError("group and name are required")
	}
	return nil
}

// Clone returns a copy whose Data map is not shared with j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Data != nil {
		c.Data = make(map[string]any, len(j.Data))
		for k, v := range j.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Equal reports whether two definitions match field for field. Data is
// compared by its JSON encoding so values that went through a store round
// trip (ints decoded as float64) still compare equal.
func (j *Job) Equal(o *Job) bool {
	if j == nil || o == nil {
		return j == o
	}
	return j.Group == o.Group &&
		j.Name == o.Name &&
		j.Timezone == o.Timezone &&
		j.Description == o.Description &&
		j.Cron == o.Cron &&
		j.AfterGroup == o.AfterGroup &&
		j.AfterName == o.AfterName &&
		j.Enabled == o.Enabled &&
		dataEqual(j.Data, o.Data)
}

func dataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ea, err := json.Marshal(a)
	if err != nil {
		return false
	}
	eb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ea) == string(eb)
}

// EncodeData serializes the opaque payload for storage.
func EncodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", errors.Wrap(err, "marshal job data")
	}
	return string(b), nil
}

// DecodeData parses a stored payload. Empty input yields an empty map.
func DecodeData(raw string) (map[string]any, error) {
	data := map[string]any{}
	if raw == "" || raw == "null" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.Wrap(err, "unmarshal job data")
	}
	return data, nil
}
