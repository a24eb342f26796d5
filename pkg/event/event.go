package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Rejection reasons surfaced to publishers. Validate wraps them so callers
// can classify with errors.Is.
var (
	ErrMalformed           = errors.New("malformed event")
	ErrInvalidID           = errors.New("id does not match computed hash")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrTimestampOutOfRange = errors.New("created_at out of range")
)

// Event represents a Nostr event as defined in NIP-01
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Limits bounds the size and timestamp range of accepted events.
type Limits struct {
	MaxContentLength int
	MaxTagCount      int
	MaxTagLength     int
	// MaxFutureDrift is how far ahead of the relay clock created_at may be.
	MaxFutureDrift time.Duration
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 65536,
		MaxTagCount:      2000,
		MaxTagLength:     1024,
		MaxFutureDrift:   15 * time.Minute,
	}
}

// Validate checks structure, identity and authorship of the event.
// It is pure: the event is never modified and no external state is touched.
func (e *Event) Validate(limits Limits) error {
	if e.PubKey == "" {
		return fmt.Errorf("%w: missing pubkey", ErrMalformed)
	}
	if e.Sig == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	}
	if e.Kind < 0 {
		return fmt.Errorf("%w: negative kind", ErrMalformed)
	}

	if limits.MaxFutureDrift > 0 && e.CreatedAt > time.Now().Add(limits.MaxFutureDrift).Unix() {
		return fmt.Errorf("%w: created_at %d is too far in the future", ErrTimestampOutOfRange, e.CreatedAt)
	}

	if limits.MaxContentLength > 0 && len(e.Content) > limits.MaxContentLength {
		return fmt.Errorf("%w: content is %d bytes", ErrPayloadTooLarge, len(e.Content))
	}
	if limits.MaxTagCount > 0 && len(e.Tags) > limits.MaxTagCount {
		return fmt.Errorf("%w: %d tags", ErrPayloadTooLarge, len(e.Tags))
	}
	if limits.MaxTagLength > 0 {
		for _, tag := range e.Tags {
			for _, v := range tag {
				if len(v) > limits.MaxTagLength {
					return fmt.Errorf("%w: tag value is %d bytes", ErrPayloadTooLarge, len(v))
				}
			}
		}
	}

	computedID, err := e.ComputeID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.ID != computedID {
		return ErrInvalidID
	}

	if err := e.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return nil
}

// ComputeID computes the event ID according to NIP-01
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:]), nil
}

// Serialize creates the canonical serialization for ID computation
func (e *Event) Serialize() (string, error) {
	// NIP-01 format: [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}

	return string(serialized), nil
}

// VerifySignature verifies the BIP-340 Schnorr signature over the event ID.
func (e *Event) VerifySignature() error {
	pubKeyBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(pubKeyBytes) != 32 {
		return fmt.Errorf("pubkey must be 32 bytes")
	}

	// Nostr pubkeys are x-only (BIP-340)
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("signature must be 64 bytes")
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("invalid ID hex: %w", err)
	}

	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// TagValues returns the first value of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// FirstTagValue returns the first value of the first tag with the given name,
// or "" when the tag is absent.
func (e *Event) FirstTagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// IsExpired reports whether the event carries an expiration tag in the past.
func (e *Event) IsExpired() bool {
	return e.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether the event is expired relative to now.
func (e *Event) IsExpiredAt(now time.Time) bool {
	raw := e.FirstTagValue("expiration")
	if raw == "" {
		return false
	}
	expiration, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() > expiration
}
