package hardening

import (
	"crypto/ed25519"
	"fmt"

	"github.com/cellcredit/cell/internal/txn"
)

// canonicalMessage mirrors txn's unexported signing tuple exactly. It has
// to be reproduced here rather than imported: the core only ever accepts
// signature bytes from a Provider, never computes or inspects the tuple
// itself, so nothing exports it.
func canonicalMessage(t txn.Transaction) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%d|%s",
		t.Payer, t.Payee, t.Amount, t.Description, t.CreatedAt.UnixNano(), t.Nonce))
}

// signSpot signs t on behalf of both payer and payee, returning the two
// signatures in submission order. The generator always has both private
// keys on hand (it issued them), unlike a real deployment where each
// party signs independently off their own device.
func signSpot(t txn.Transaction, payerKey, payeeKey ed25519.PrivateKey) (payerSig, payeeSig []byte) {
	msg := canonicalMessage(t)
	return ed25519.Sign(payerKey, msg), ed25519.Sign(payeeKey, msg)
}
