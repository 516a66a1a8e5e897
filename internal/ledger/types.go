package ledger

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Contract names used by the built-in flows.
const (
	ContractCash = "cash"
	ContractDeal = "deal"
)

// StateRef points at one output of a transaction.
type StateRef struct {
	TxID  string `json:"tx_id"`
	Index int    `json:"index"`
}

func (r StateRef) String() string {
	return fmt.Sprintf("%s(%d)", r.TxID, r.Index)
}

// Amount is a quantity of an issued currency in minor units.
type Amount struct {
	Quantity int64    `json:"quantity"`
	Currency string   `json:"currency"`
	Issuer   ir.Party `json:"issuer"`
}

func (a Amount) String() string {
	return fmt.Sprintf("%d %s issued by %s", a.Quantity, a.Currency, a.Issuer)
}

// State is a ledger fact shared by its participants.
//
// Cash states carry an Amount and an Owner. Linear states (deals) carry a
// LinearID that stays the same across revisions, and their terms in Data.
type State struct {
	Contract     string          `json:"contract"`
	Participants []ir.Party      `json:"participants"`
	Owner        ir.Party        `json:"owner,omitempty"`
	Amount       *Amount         `json:"amount,omitempty"`
	LinearID     string          `json:"linear_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// IsParticipant reports whether p takes part in the state.
func (s State) IsParticipant(p ir.Party) bool {
	return slices.Contains(s.Participants, p)
}

// StateAndRef is a state together with the reference that produced it.
type StateAndRef struct {
	State State    `json:"state"`
	Ref   StateRef `json:"ref"`
}

// WireTransaction is the unsigned body of a ledger update.
// Reference distinguishes otherwise identical transactions, such as two
// issuances of the same amount.
type WireTransaction struct {
	Reference string     `json:"reference,omitempty"`
	Inputs    []StateRef `json:"inputs"`
	Outputs   []State    `json:"outputs"`
	Command   string     `json:"command"`
	Notary    ir.Party   `json:"notary"`
	Signers   []ir.Party `json:"signers"`
}

// ID is the content hash of the transaction body.
func (tx WireTransaction) ID() (string, error) {
	return ir.ContentID(ir.DomainTransaction, tx)
}

// HasInput reports whether ref is among the declared inputs.
func (tx WireTransaction) HasInput(ref StateRef) bool {
	return slices.Contains(tx.Inputs, ref)
}

// Signature is a party's signature over a transaction id.
type Signature struct {
	By    ir.Party `json:"by"`
	Bytes []byte   `json:"bytes"`
}

// SignedTransaction is a transaction body plus the signatures collected so far.
type SignedTransaction struct {
	ID   string          `json:"id"`
	Tx   WireTransaction `json:"tx"`
	Sigs []Signature     `json:"sigs"`
}

// NewSignedTransaction computes the id of tx and returns it unsigned.
func NewSignedTransaction(tx WireTransaction) (SignedTransaction, error) {
	id, err := tx.ID()
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("transaction id: %w", err)
	}
	return SignedTransaction{ID: id, Tx: tx}, nil
}

// WithSignature returns a copy of stx carrying sig. A second signature by the
// same party replaces the first.
func (stx SignedTransaction) WithSignature(sig Signature) SignedTransaction {
	out := stx
	out.Sigs = make([]Signature, 0, len(stx.Sigs)+1)
	for _, s := range stx.Sigs {
		if s.By != sig.By {
			out.Sigs = append(out.Sigs, s)
		}
	}
	out.Sigs = append(out.Sigs, sig)
	return out
}

// SignedBy reports whether stx carries a signature by p.
func (stx SignedTransaction) SignedBy(p ir.Party) bool {
	return slices.ContainsFunc(stx.Sigs, func(s Signature) bool { return s.By == p })
}

// MissingSigners lists the required signers that have not signed yet.
func (stx SignedTransaction) MissingSigners() []ir.Party {
	var missing []ir.Party
	for _, p := range stx.Tx.Signers {
		if !stx.SignedBy(p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// OutRef returns the reference of output i.
func (stx SignedTransaction) OutRef(i int) StateAndRef {
	return StateAndRef{State: stx.Tx.Outputs[i], Ref: StateRef{TxID: stx.ID, Index: i}}
}

// Participants lists every party taking part in an output, in first-seen order.
func (stx SignedTransaction) Participants() []ir.Party {
	var out []ir.Party
	for _, s := range stx.Tx.Outputs {
		for _, p := range s.Participants {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}
