package testutil

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/minoru/kensaku/pkg/event"
)

// Signer holds a keypair and signs events for tests.
type Signer struct {
	priv   *btcec.PrivateKey
	PubKey string
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	// x-only pubkey per BIP-340
	return &Signer{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// Sign fills in the event's pubkey, id and signature.
func (s *Signer) Sign(evt *event.Event) error {
	evt.PubKey = s.PubKey

	id, err := evt.ComputeID()
	if err != nil {
		return err
	}
	evt.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return err
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Event builds and signs an event with the given fields.
func (s *Signer) Event(kind int, createdAt int64, content string, tags ...[]string) (*event.Event, error) {
	evt := &event.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Content:   content,
		Tags:      tags,
	}
	if err := s.Sign(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// SignedEvent builds a kind-1 note signed by a throwaway key.
func SignedEvent(content string) (*event.Event, *Signer, error) {
	signer, err := NewSigner()
	if err != nil {
		return nil, nil, err
	}
	evt, err := signer.Event(1, time.Now().Unix(), content)
	if err != nil {
		return nil, nil, err
	}
	return evt, signer, nil
}
