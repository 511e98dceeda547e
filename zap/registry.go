// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package zap

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/settlement/bank"
	"github.com/luxfi/settlement/relayer"
)

// Storage key prefixes for registry state
var (
	zapPrefix   = []byte("zap:")
	routePrefix = []byte("zrt:")
	tokenPrefix = []byte("ztk:")
	seqKey      = []byte("zseq")
)

// escrowAddr holds all pending zap value.
var escrowAddr = common.HexToAddress(EscrowAddress)

// DefaultRefundTimeout bounds the escrowed-but-undelivered window. A zap the
// relayers never settle becomes refundable to its sender after this long.
const DefaultRefundTimeout = 24 * time.Hour

// Registry is the pending cross-chain transfer queue. Every mutating entry
// point runs under one lock and writes through to the database; a restarted
// process resumes with the same zaps, routes, allowlist and sequence counter.
type Registry struct {
	originChainID uint32
	bank          *bank.Bank
	relayers      *relayer.Set
	db            database.Database
	log           log.Logger

	zaps   map[[32]byte]*Zap
	routes map[uint32]map[uint32]*Route
	tokens map[common.Address]*SupportedToken
	seq    uint64

	refundTimeout time.Duration
	paused        bool

	now func() int64

	mu sync.RWMutex
}

// NewRegistry creates the zap registry for the given origin chain, reloading
// persisted state from db.
func NewRegistry(
	db database.Database,
	vault *bank.Bank,
	relayers *relayer.Set,
	originChainID uint32,
	logger log.Logger,
) (*Registry, error) {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	r := &Registry{
		originChainID: originChainID,
		bank:          vault,
		relayers:      relayers,
		db:            db,
		log:           logger,
		zaps:          make(map[[32]byte]*Zap),
		routes:        make(map[uint32]map[uint32]*Route),
		tokens:        make(map[common.Address]*SupportedToken),
		refundTimeout: DefaultRefundTimeout,
		now:           func() int64 { return time.Now().Unix() },
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	it := r.db.NewIteratorWithPrefix(zapPrefix)
	for it.Next() {
		var z Zap
		if err := json.Unmarshal(it.Value(), &z); err != nil {
			it.Release()
			return fmt.Errorf("corrupt zap record: %w", err)
		}
		r.zaps[z.ID] = &z
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()

	it = r.db.NewIteratorWithPrefix(routePrefix)
	for it.Next() {
		var rt Route
		if err := json.Unmarshal(it.Value(), &rt); err != nil {
			it.Release()
			return fmt.Errorf("corrupt route record: %w", err)
		}
		if r.routes[rt.SrcChainID] == nil {
			r.routes[rt.SrcChainID] = make(map[uint32]*Route)
		}
		r.routes[rt.SrcChainID][rt.DstChainID] = &rt
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()

	it = r.db.NewIteratorWithPrefix(tokenPrefix)
	for it.Next() {
		var tok SupportedToken
		if err := json.Unmarshal(it.Value(), &tok); err != nil {
			it.Release()
			return fmt.Errorf("corrupt token record: %w", err)
		}
		r.tokens[tok.Token] = &tok
	}
	if err := it.Error(); err != nil {
		it.Release()
		return err
	}
	it.Release()

	raw, err := r.db.Get(seqKey)
	switch err {
	case nil:
		r.seq = binary.BigEndian.Uint64(raw)
	case database.ErrNotFound:
		r.seq = 0
	default:
		return err
	}
	return nil
}

// RequestTransfer escrows amountIn of tokenIn from the caller and enqueues a
// pending zap toward dstChainID. The returned id is unique per origin chain:
// hash of (origin chain id, sequence number), with the counter persisted so
// a restart can never reissue an id.
func (r *Registry) RequestTransfer(
	caller common.Address,
	tokenIn common.Address,
	tokenOut common.Address,
	amountIn *big.Int,
	minAmountOut *big.Int,
	recipient common.Address,
	dstChainID uint32,
) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return [32]byte{}, ErrRegistryPaused
	}

	in := r.tokens[tokenIn]
	out := r.tokens[tokenOut]
	if in == nil || !in.Enabled || out == nil || !out.Enabled {
		return [32]byte{}, ErrUnsupportedToken
	}

	if amountIn == nil || amountIn.Sign() <= 0 {
		return [32]byte{}, ErrZeroAmount
	}
	if in.MinAmount != nil && amountIn.Cmp(in.MinAmount) < 0 {
		return [32]byte{}, ErrBelowMinimum
	}
	if minAmountOut == nil || minAmountOut.Sign() < 0 {
		minAmountOut = big.NewInt(0)
	}

	route := r.getRoute(r.originChainID, dstChainID)
	if route == nil || !route.Active {
		return [32]byte{}, ErrRouteInactive
	}

	// Escrow before anything becomes visible. A failed debit leaves the
	// registry untouched.
	if err := r.bank.Transfer(tokenIn, caller, escrowAddr, amountIn); err != nil {
		return [32]byte{}, err
	}

	seq := r.seq + 1
	id := zapID(r.originChainID, seq)

	z := &Zap{
		ID:            id,
		Sender:        caller,
		Recipient:     recipient,
		TokenIn:       tokenIn,
		TokenOut:      tokenOut,
		AmountIn:      new(big.Int).Set(amountIn),
		MinAmountOut:  new(big.Int).Set(minAmountOut),
		OriginChainID: r.originChainID,
		DestChainID:   dstChainID,
		Status:        ZapPending,
		CreatedAt:     r.now(),
	}

	// A failed persist must not strand the escrow: hand it back so the
	// rejected request leaves no trace in the value ledger.
	if err := r.persistRequest(seq, z); err != nil {
		if rbErr := r.bank.Transfer(tokenIn, escrowAddr, caller, amountIn); rbErr != nil {
			return [32]byte{}, fmt.Errorf("%w; escrow release failed: %v", err, rbErr)
		}
		return [32]byte{}, err
	}

	r.log.Info("zap requested",
		"id", common.Hash(id),
		"sender", caller,
		"dstChain", dstChainID,
		"amountIn", amountIn,
	)
	return id, nil
}

// Settle finalizes a pending zap after the destination-side delivery.
// Relayer only. The escrow is released lock-and-release style: the route fee
// to the lane's fee recipient and the remainder to the settling relayer,
// which fronted amountOutDelivered on the destination chain.
func (r *Registry) Settle(caller common.Address, zapID [32]byte, amountOutDelivered *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAuthorized(caller) {
		return ErrUnauthorized
	}

	z := r.zaps[zapID]
	if z == nil {
		return ErrZapNotFound
	}
	if z.Status != ZapPending {
		return ErrAlreadyFinalized
	}
	if amountOutDelivered == nil || amountOutDelivered.Cmp(z.MinAmountOut) < 0 {
		return ErrBelowMinAmountOut
	}

	fee := big.NewInt(0)
	feeRecipient := common.Address{}
	if route := r.getRoute(z.OriginChainID, z.DestChainID); route != nil {
		fee.Mul(z.AmountIn, big.NewInt(int64(route.FeeBps)))
		fee.Div(fee, big.NewInt(10000))
		feeRecipient = route.FeeRecipient
	}
	remainder := new(big.Int).Sub(z.AmountIn, fee)

	if fee.Sign() > 0 {
		if err := r.bank.Transfer(z.TokenIn, escrowAddr, feeRecipient, fee); err != nil {
			return err
		}
	}
	if remainder.Sign() > 0 {
		if err := r.bank.Transfer(z.TokenIn, escrowAddr, caller, remainder); err != nil {
			return err
		}
	}

	z.Status = ZapSettled
	z.AmountOut = new(big.Int).Set(amountOutDelivered)
	z.FinalizedAt = r.now()
	if err := r.putZap(z); err != nil {
		return err
	}

	r.log.Info("zap settled",
		"id", common.Hash(zapID),
		"relayer", caller,
		"amountOut", amountOutDelivered,
		"fee", fee,
	)
	return nil
}

// Refund returns a pending zap's escrow to its sender. The zap's recipient
// or sender may refund once the timeout has elapsed with no settlement; the
// administrator may refund at any time. Mutually exclusive with Settle:
// whichever finalization is ordered first wins.
func (r *Registry) Refund(caller common.Address, zapID [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	z := r.zaps[zapID]
	if z == nil {
		return ErrZapNotFound
	}
	if z.Status != ZapPending {
		return ErrAlreadyFinalized
	}

	if !r.relayers.IsAdmin(caller) {
		if caller != z.Recipient && caller != z.Sender {
			return ErrUnauthorized
		}
		if r.now() < z.CreatedAt+int64(r.refundTimeout/time.Second) {
			return ErrRefundTooEarly
		}
	}

	if err := r.bank.Transfer(z.TokenIn, escrowAddr, z.Sender, z.AmountIn); err != nil {
		return err
	}

	z.Status = ZapRefunded
	z.FinalizedAt = r.now()
	if err := r.putZap(z); err != nil {
		return err
	}

	r.log.Info("zap refunded", "id", common.Hash(zapID), "sender", z.Sender)
	return nil
}

// GetZap returns the zap with the given id.
func (r *Registry) GetZap(zapID [32]byte) (*Zap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	z := r.zaps[zapID]
	if z == nil {
		return nil, ErrZapNotFound
	}
	return z.clone(), nil
}

// PendingCount returns the number of zaps awaiting finalization.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, z := range r.zaps {
		if z.Status == ZapPending {
			n++
		}
	}
	return n
}

// GetRoute returns the lane configuration between two chains.
func (r *Registry) GetRoute(srcChainID, dstChainID uint32) (*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route := r.getRoute(srcChainID, dstChainID)
	if route == nil {
		return nil, ErrRouteInactive
	}
	cp := *route
	return &cp, nil
}

// AddSupportedToken adds a token to the allowlist. Admin only.
func (r *Registry) AddSupportedToken(caller common.Address, token common.Address, minAmount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if r.tokens[token] != nil {
		return ErrTokenExists
	}
	if minAmount == nil {
		minAmount = big.NewInt(0)
	}
	tok := &SupportedToken{Token: token, MinAmount: minAmount, Enabled: true}
	if err := r.putToken(tok); err != nil {
		return err
	}
	r.tokens[token] = tok
	return nil
}

// RemoveSupportedToken disables a token. Pending zaps in that token remain
// refundable and settleable; only new requests are rejected.
func (r *Registry) RemoveSupportedToken(caller common.Address, token common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	tok := r.tokens[token]
	if tok == nil {
		return ErrUnsupportedToken
	}
	tok.Enabled = false
	return r.putToken(tok)
}

// ListSupportedTokens returns the enabled allowlist in deterministic order.
func (r *Registry) ListSupportedTokens() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]common.Address, 0, len(r.tokens))
	for addr, tok := range r.tokens {
		if tok.Enabled {
			tokens = append(tokens, addr)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Cmp(tokens[j]) < 0
	})
	return tokens
}

// UpdateRoute creates or replaces the lane between two chains. Admin only.
func (r *Registry) UpdateRoute(
	caller common.Address,
	srcChainID, dstChainID uint32,
	feeRecipient common.Address,
	feeBps uint32,
	active bool,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if feeBps > 10000 {
		return ErrInvalidFee
	}

	route := &Route{
		SrcChainID:   srcChainID,
		DstChainID:   dstChainID,
		FeeRecipient: feeRecipient,
		FeeBps:       feeBps,
		Active:       active,
	}
	if err := r.putRoute(route); err != nil {
		return err
	}
	if r.routes[srcChainID] == nil {
		r.routes[srcChainID] = make(map[uint32]*Route)
	}
	r.routes[srcChainID][dstChainID] = route
	return nil
}

// SetRefundTimeout updates the unsettled-zap refund window. Admin only.
func (r *Registry) SetRefundTimeout(caller common.Address, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	r.refundTimeout = timeout
	return nil
}

// SetPaused toggles acceptance of new transfer requests. Admin only.
// Settle and Refund stay available while paused so escrow can always drain.
func (r *Registry) SetPaused(caller common.Address, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relayers.IsAdmin(caller) {
		return ErrUnauthorized
	}
	r.paused = paused
	return nil
}

// Helper functions

// persistRequest commits the sequence counter and the new zap together. A
// burned sequence number on partial failure is harmless; a half-written zap
// is not, so the zap goes last.
func (r *Registry) persistRequest(seq uint64, z *Zap) error {
	if err := r.putSeq(seq); err != nil {
		return err
	}
	return r.putZap(z)
}

func (r *Registry) getRoute(src, dst uint32) *Route {
	if r.routes[src] == nil {
		return nil
	}
	return r.routes[src][dst]
}

func (r *Registry) putZap(z *Zap) error {
	raw, err := json.Marshal(z)
	if err != nil {
		return err
	}
	if err := r.db.Put(append(zapPrefix, z.ID[:]...), raw); err != nil {
		return err
	}
	r.zaps[z.ID] = z
	return nil
}

func (r *Registry) putRoute(route *Route) error {
	raw, err := json.Marshal(route)
	if err != nil {
		return err
	}
	key := make([]byte, 0, len(routePrefix)+8)
	key = append(key, routePrefix...)
	key = binary.BigEndian.AppendUint32(key, route.SrcChainID)
	key = binary.BigEndian.AppendUint32(key, route.DstChainID)
	return r.db.Put(key, raw)
}

func (r *Registry) putToken(tok *SupportedToken) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return r.db.Put(append(tokenPrefix, tok.Token.Bytes()...), raw)
}

func (r *Registry) putSeq(seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := r.db.Put(seqKey, buf[:]); err != nil {
		return err
	}
	r.seq = seq
	return nil
}

// zapID derives the collision-resistant id from the origin chain and the
// per-chain sequence number.
func zapID(originChainID uint32, seq uint64) [32]byte {
	hasher := blake3.New()
	var chainBuf [4]byte
	binary.BigEndian.PutUint32(chainBuf[:], originChainID)
	hasher.Write(chainBuf[:])
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	hasher.Write(seqBuf[:])

	var id [32]byte
	copy(id[:], hasher.Sum(nil))
	return id
}
