// Package ledger holds the ledger data model and the in-process reference
// collaborators the flows depend on: a key store for signatures, a notary that
// prevents double spends, and a vault of unconsumed states with soft locks.
//
// The reference implementations are deliberately simple. Validity rules and
// signature schemes are outside the node core; flows reach these services
// only through the Signer, Notary and Vault interfaces.
package ledger
