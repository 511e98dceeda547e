// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package zap implements the pending cross-chain transfer queue. A zap
// escrows value on the origin ledger at creation and finalizes exactly once,
// as a settlement by an authorized relayer or as a refund to the sender.
package zap

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// EscrowAddress holds zap escrow between request and finalization.
// LP-aligned format, bridge family (LP-6xxx).
const EscrowAddress = "0x0000000000000000000000000000000000006020"

// Well-known chain IDs used across the settlement lanes.
const (
	ChainLux       uint32 = 96369  // Lux mainnet C-Chain
	ChainLuxTest   uint32 = 96368  // Lux testnet
	ChainHanzo     uint32 = 36963  // Hanzo AI mainnet
	ChainZoo       uint32 = 200200 // Zoo mainnet
	ChainEthereum  uint32 = 1      // Ethereum mainnet
	ChainArbitrum  uint32 = 42161  // Arbitrum One
	ChainOptimism  uint32 = 10     // Optimism
	ChainBase      uint32 = 8453   // Base
	ChainPolygon   uint32 = 137    // Polygon PoS
	ChainAvalanche uint32 = 43114  // Avalanche C-Chain
)

// ZapStatus is the lifecycle state of a zap. Settled and Refunded are
// terminal.
type ZapStatus uint8

const (
	ZapPending ZapStatus = iota
	ZapSettled
	ZapRefunded
)

// String returns the human-readable status name.
func (s ZapStatus) String() string {
	switch s {
	case ZapPending:
		return "pending"
	case ZapSettled:
		return "settled"
	case ZapRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Zap is one pending cross-chain transfer request.
type Zap struct {
	ID            [32]byte       `json:"id"`
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	TokenIn       common.Address `json:"tokenIn"`
	TokenOut      common.Address `json:"tokenOut"`
	AmountIn      *big.Int       `json:"amountIn"`
	MinAmountOut  *big.Int       `json:"minAmountOut"`
	OriginChainID uint32         `json:"originChainId"`
	DestChainID   uint32         `json:"destChainId"`
	Status        ZapStatus      `json:"status"`
	AmountOut     *big.Int       `json:"amountOut,omitempty"` // Delivered amount, set at settlement
	CreatedAt     int64          `json:"createdAt"`
	FinalizedAt   int64          `json:"finalizedAt,omitempty"`
}

// clone returns a detached copy safe to hand across the API boundary.
func (z *Zap) clone() *Zap {
	c := *z
	c.AmountIn = new(big.Int).Set(z.AmountIn)
	c.MinAmountOut = new(big.Int).Set(z.MinAmountOut)
	if z.AmountOut != nil {
		c.AmountOut = new(big.Int).Set(z.AmountOut)
	}
	return &c
}

// Route is the bridging-lane configuration between two chains. Consulted
// read-only on request; mutated only by the administrator.
type Route struct {
	SrcChainID   uint32         `json:"srcChainId"`
	DstChainID   uint32         `json:"dstChainId"`
	FeeRecipient common.Address `json:"feeRecipient"`
	FeeBps       uint32         `json:"feeBps"`
	Active       bool           `json:"active"`
}

// SupportedToken is one allowlist entry.
type SupportedToken struct {
	Token     common.Address `json:"token"`
	MinAmount *big.Int       `json:"minAmount"`
	Enabled   bool           `json:"enabled"`
}

// Errors
var (
	ErrUnsupportedToken  = errors.New("token not on allowlist")
	ErrRouteInactive     = errors.New("route missing or inactive")
	ErrZeroAmount        = errors.New("amount must be positive")
	ErrBelowMinimum      = errors.New("amount below token minimum")
	ErrBelowMinAmountOut = errors.New("delivered amount below slippage floor")
	ErrZapNotFound       = errors.New("zap not found")
	ErrAlreadyFinalized  = errors.New("zap already finalized")
	ErrRefundTooEarly    = errors.New("refund timeout not elapsed")
	ErrRegistryPaused    = errors.New("zap registry paused")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTokenExists       = errors.New("token already on allowlist")
	ErrInvalidFee        = errors.New("invalid fee")
)
