// Package natskv opens the JetStream key/value buckets backing the NATS lock
// and saga stores.
package natskv

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Connect dials url and returns the JetStream context used to open buckets.
// The caller closes the returned connection.
func Connect(url string) (*nats.Conn, nats.JetStreamContext, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// Bucket returns the bucket called name, creating it with a history of one
// when it does not exist yet.
func Bucket(js nats.JetStreamContext, name, description string) (nats.KeyValue, error) {
	if js == nil {
		return nil, errors.New("natskv: JetStream context is required")
	}
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("natskv: open bucket %q: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: create bucket %q: %w", name, err)
	}
	return kv, nil
}

// Key maps arbitrary identifiers onto the key alphabet JetStream accepts.
// Parts are encoded individually and joined with dots so related keys share
// a subject prefix.
func Key(parts ...string) string {
	encoded := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			encoded[i] = "_"
			continue
		}
		encoded[i] = base64.RawURLEncoding.EncodeToString([]byte(p))
	}
	return strings.Join(encoded, ".")
}

// IsConflict reports whether err is a failed revision check.
func IsConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
