package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Signer signs and verifies transaction ids on behalf of parties.
type Signer interface {
	Sign(party ir.Party, txID string) (Signature, error)
	Verify(sig Signature, txID string) error
}

// KeyStore is an ed25519 Signer whose keys are derived from the party name.
//
// Every node process derives the same key pair for a name, so nodes verify
// each other's signatures without a key exchange. This is a test and demo
// key scheme only.
type KeyStore struct {
	mu   sync.Mutex
	keys map[ir.Party]ed25519.PrivateKey
}

// NewKeyStore creates an empty key store. Keys are derived on first use.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[ir.Party]ed25519.PrivateKey)}
}

func (k *KeyStore) key(party ir.Party) (ed25519.PrivateKey, error) {
	if party == "" {
		return nil, fmt.Errorf("key for empty party: %w", ErrUnknownParty)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if priv, ok := k.keys[party]; ok {
		return priv, nil
	}
	seed := sha256.Sum256([]byte("ledgerflow/key/v1\x00" + string(party)))
	priv := ed25519.NewKeyFromSeed(seed[:])
	k.keys[party] = priv
	return priv, nil
}

// PublicKey returns the public key of party.
func (k *KeyStore) PublicKey(party ir.Party) (ed25519.PublicKey, error) {
	priv, err := k.key(party)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Sign signs txID as party.
func (k *KeyStore) Sign(party ir.Party, txID string) (Signature, error) {
	priv, err := k.key(party)
	if err != nil {
		return Signature{}, err
	}
	return Signature{By: party, Bytes: ed25519.Sign(priv, []byte(txID))}, nil
}

// Verify checks that sig is a valid signature over txID by sig.By.
func (k *KeyStore) Verify(sig Signature, txID string) error {
	pub, err := k.PublicKey(sig.By)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(txID), sig.Bytes) {
		return fmt.Errorf("signature by %s over %s: %w", sig.By, txID, ErrInvalidSignature)
	}
	return nil
}

// VerifyTransaction checks the id of stx and every signature it carries.
// Required signers listed in allowMissing may be absent.
func VerifyTransaction(s Signer, stx SignedTransaction, allowMissing ...ir.Party) error {
	id, err := stx.Tx.ID()
	if err != nil {
		return err
	}
	if id != stx.ID {
		return fmt.Errorf("transaction id %s does not match its body (%s)", stx.ID, id)
	}
	for _, sig := range stx.Sigs {
		if err := s.Verify(sig, stx.ID); err != nil {
			return err
		}
	}
	for _, p := range stx.MissingSigners() {
		if !slices.Contains(allowMissing, p) {
			return fmt.Errorf("transaction %s is missing a signature by %s", stx.ID, p)
		}
	}
	return nil
}
