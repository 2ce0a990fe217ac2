// Package signer holds the wallet's local accounts and signs with their keys.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uniswap/walletcore"
)

var ErrNoKey = errors.New("no signing key for account")

// Keyring implements walletcore.Signer and walletcore.AccountResolver over in-memory keys.
// Read-only accounts resolve but cannot sign.
type Keyring struct {
	mu       sync.RWMutex
	keys     map[common.Address]*ecdsa.PrivateKey
	readOnly map[common.Address]struct{}
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		readOnly: make(map[common.Address]struct{}),
	}
}

// AddKey adds a signing account and returns its address.
func (k *Keyring) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[addr] = key
	delete(k.readOnly, addr)
	return addr
}

// AddHexKey parses a hex private key, with or without 0x, and adds it.
func (k *Keyring) AddHexKey(hexKey string) (common.Address, error) {
	if len(hexKey) > 1 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid private key: %w", err)
	}
	return k.AddKey(key), nil
}

// AddReadOnly adds a watched account without a key.
func (k *Keyring) AddReadOnly(addr common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[addr]; !ok {
		k.readOnly[addr] = struct{}{}
	}
}

// Account implements walletcore.AccountResolver.
func (k *Keyring) Account(addr common.Address) (walletcore.AccountMeta, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if _, ok := k.keys[addr]; ok {
		return walletcore.AccountMeta{Address: addr, Type: walletcore.AccountTypeSigner}, true
	}
	if _, ok := k.readOnly[addr]; ok {
		return walletcore.AccountMeta{Address: addr, Type: walletcore.AccountTypeReadonly}, true
	}
	return walletcore.AccountMeta{}, false
}

func (k *Keyring) key(account walletcore.AccountMeta) (*ecdsa.PrivateKey, error) {
	if !account.CanSign() {
		return nil, walletcore.ErrReadOnlyAccount
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[account.Address]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoKey, account.Address.Hex())
	}
	return key, nil
}

// SignTransaction implements walletcore.Signer. The request must be fully populated.
func (k *Keyring) SignTransaction(ctx context.Context, account walletcore.AccountMeta, req walletcore.TransactionRequest) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := k.key(account)
	if err != nil {
		return nil, err
	}
	if req.From != (common.Address{}) && req.From != account.Address {
		return nil, fmt.Errorf("request from %s can't be signed by %s", req.From.Hex(), account.Address.Hex())
	}
	tx, err := req.ToTransaction()
	if err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(req.ChainID)), key)
}

// SignTypedData implements walletcore.Signer with EIP-712 hashing. The signature's V is 27 or 28.
func (k *Keyring) SignTypedData(ctx context.Context, account walletcore.AccountMeta, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := k.key(account)
	if err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("couldn't hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
