package types

import (
	"bytes"
	"encoding/json"
	"unicode"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// MaxIdentityLength bounds identities accepted from the gateway
const MaxIdentityLength = 128

// ValidateIdentity checks an identity handed over by the gateway.
// Identities are opaque and case-sensitive; only emptiness, size and
// control characters are rejected.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return ErrMissingIdentity
	}
	if len(identity) > MaxIdentityLength || !utf8.ValidString(identity) {
		return ErrInvalidIdentity
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return ErrInvalidIdentity
		}
	}
	return nil
}

// Validate checks a decoded push request and compacts the notification so it
// is serialized exactly once for the whole fan-out. Any JSON value is a
// notification, including null; only an absent field is rejected.
func (p *PushRequest) Validate() error {
	if err := ValidateIdentity(p.UserID); err != nil {
		return errors.Mark(errors.Wrap(err, "push target"), ErrMalformedPush)
	}
	if len(p.Notification) == 0 {
		return errors.Wrap(ErrMalformedPush, "notification is required")
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, p.Notification); err != nil {
		return errors.Mark(errors.Wrap(err, "notification"), ErrMalformedPush)
	}
	p.Notification = compacted.Bytes()
	return nil
}

// DecodeAttachment parses a stored attachment. Any failure, including a
// missing identity, is reported as ErrAttachmentDecode.
func DecodeAttachment(data []byte) (Attachment, error) {
	var a Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return Attachment{}, errors.Mark(errors.Wrap(err, "decode attachment"), ErrAttachmentDecode)
	}
	if a.UserID == "" {
		return Attachment{}, errors.Wrap(ErrAttachmentDecode, "attachment has no userId")
	}
	return a, nil
}

// ParseMessageType extracts the type of a client frame. Only the "type"
// field is inspected; a non-string type yields "" so the frame is ignored.
func ParseMessageType(data []byte) (string, error) {
	var m struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return "", errors.Mark(errors.Wrap(err, "parse client frame"), ErrMalformedClientMessage)
	}
	t, _ := m.Type.(string)
	return t, nil
}
