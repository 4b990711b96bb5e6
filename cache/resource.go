package cache

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Resource is a single cached entry, keyed by the full canonical URL string
// (query and fragment included). It is immutable once stored: revalidation
// replaces the whole entry.
type Resource struct {
	Key      string    `json:"key"`
	Payload  []byte    `json:"payload"`
	MimeType string    `json:"mimeType"`
	StoredAt time.Time `json:"storedAt"`
}

// Size returns the payload size in bytes, used for memory accounting.
func (r Resource) Size() int64 {
	return int64(len(r.Payload))
}

func encodeResource(r Resource) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cache record")
	}
	return b, nil
}

func decodeResource(b []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(b, &r); err != nil {
		return Resource{}, errors.Wrap(err, "failed to decode cache record")
	}
	if r.Key == "" {
		return Resource{}, errors.New("cache record has no key")
	}
	return r, nil
}
