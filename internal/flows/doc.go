// Package flows holds the business flows a node runs: cash issuance and
// payment, the issuer service, deal creation and deal revision.
//
// Every flow is written against the engine primitives and reaches the
// ledger only through ledger.Services. Register adds all of them, with their
// responders, to a flow registry.
package flows
