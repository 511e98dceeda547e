// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// voucherDomain separates voucher digests from any other signed payloads.
var voucherDomain = []byte("LUX_SESSION_VOUCHER_V1")

// VoucherDigest returns the keccak256 digest the external signer commits to:
// domain tag, user, cumulative spend as a 32-byte word, nonce. Exported so
// the signing side and the ledger agree on bytes; the ledger itself only
// ever verifies.
func VoucherDigest(user common.Address, newSpentTotal *big.Int, nonce uint64) common.Hash {
	var amount [32]byte
	if newSpentTotal != nil && newSpentTotal.Sign() > 0 {
		newSpentTotal.FillBytes(amount[:])
	}
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)

	return common.BytesToHash(crypto.Keccak256(
		voucherDomain,
		user.Bytes(),
		amount[:],
		nonceBuf[:],
	))
}

// recoverSigner recovers the address that signed the voucher digest.
func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return common.Address(crypto.PubkeyToAddress(*pub)), nil
}
