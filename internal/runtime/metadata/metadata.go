// Package metadata holds the string properties carried next to every message
// and the well-known keys the engine reads and writes.
package metadata

import "strconv"

// Well-known property keys.
const (
	KeyMessageID     = "_messageId"
	KeyMessageType   = "_messageType"
	KeyCorrelationID = "_correlationId"
	KeyReplyTo       = "_replyTo"
	KeyAttachmentID  = "_attachmentId"
	KeyDeliveryCount = "_deliveryCount"
	KeyDeadLetterErr = "_deadLetterReason"
)

// Metadata represents the properties carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Int reads key as an integer, reporting false when it is absent or malformed.
func (m Metadata) Int(key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Carrier adapts Metadata to the OpenTelemetry TextMapCarrier contract.
type Carrier Metadata

func (c Carrier) Get(key string) string { return c[key] }

func (c Carrier) Set(key, value string) { c[key] = value }

func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
