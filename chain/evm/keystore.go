package evm

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/otcmesh/broker-node/util"
)

// KeyStore resolves the opaque key handle of an escrow to signing material.
// The engine never holds private keys itself; custody lives behind this
// interface so deployments can back it with an HSM or remote signer.
type KeyStore interface {
	// Key returns the private key of a handle.
	Key(keyRef string) (*ecdsa.PrivateKey, error)
	// Address returns the address controlled by a handle.
	Address(keyRef string) (common.Address, error)
}

// StaticKeyStore is an in-process KeyStore over hex-encoded private keys,
// suitable for development and tests.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewStaticKeyStore builds a store from keyRef to hex private key.
func NewStaticKeyStore(keys map[string]string) (*StaticKeyStore, error) {
	ks := &StaticKeyStore{keys: make(map[string]*ecdsa.PrivateKey, len(keys))}
	for ref, hexKey := range keys {
		key, err := crypto.HexToECDSA(util.TrimHex(hexKey))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", ref, err)
		}
		ks.keys[ref] = key
	}
	return ks, nil
}

// Add registers one more key.
func (ks *StaticKeyStore) Add(keyRef string, key *ecdsa.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[keyRef] = key
}

func (ks *StaticKeyStore) Key(keyRef string) (*ecdsa.PrivateKey, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.keys[keyRef]
	if !ok {
		return nil, fmt.Errorf("unknown key handle %q", keyRef)
	}
	return key, nil
}

func (ks *StaticKeyStore) Address(keyRef string) (common.Address, error) {
	key, err := ks.Key(keyRef)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
