package natsbus

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Subject, stream and bucket names for the courier backend.

const (
	BucketMessages = "courier_messages"
	BucketAcks     = "courier_acks"
	BucketDedup    = "courier_dedup"
	BucketSessions = "courier_sessions"

	// QueueConsumer is the durable pull consumer every queue stream carries.
	QueueConsumer = "receiver"

	encodedPrefix = "enc_"
)

var plainToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Token maps a logical name (agent, queue, session) onto a string that is
// valid as a subject token, a stream name suffix and a KV key segment.
// Plain names pass through; anything else, including names that already
// look encoded, is base64url encoded behind a fixed prefix so distinct
// names never collide.
func Token(name string) string {
	if plainToken.MatchString(name) && !strings.HasPrefix(name, encodedPrefix) {
		return name
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(name))
}

// KeySegment encodes an arbitrary map key for use inside a KV key.
func KeySegment(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKeySegment reverses KeySegment.
func DecodeKeySegment(seg string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return "", fmt.Errorf("decode key segment %q: %w", seg, err)
	}
	return string(b), nil
}

// DecodeToken reverses Token.
func DecodeToken(tok string) (string, error) {
	if !strings.HasPrefix(tok, encodedPrefix) {
		return tok, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, encodedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode token %q: %w", tok, err)
	}
	return string(b), nil
}

func QueueStream(name string) string {
	return "COURIER_Q_" + Token(name)
}

func QueueSubject(name string) string {
	return fmt.Sprintf("courier.queue.%s", Token(name))
}

func AckKey(messageID, recipient string) string {
	return fmt.Sprintf("%s.%s", Token(recipient), Token(messageID))
}

func SessionPrefix(sessionID string) string {
	return Token(sessionID)
}

func TopicSessionEvents(sessionID string) string {
	return fmt.Sprintf("courier.session.%s.events", Token(sessionID))
}

const TopicSessionEventsAll = "courier.session.*.events"

// TopicDeliveries carries delivery events from every service to the server's
// ledger.
const TopicDeliveries = "courier.deliveries"
