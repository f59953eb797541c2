package utxo

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/otcmesh/broker-node/util"
)

// KeyStore resolves escrow key handles into signing keys. Escrow addresses
// are always P2WPKH over the resolved key.
type KeyStore interface {
	Key(keyRef string) (*btcec.PrivateKey, error)
	Address(keyRef string) (btcutil.Address, error)
}

// StaticKeyStore holds keys loaded at startup, keyed by handle.
type StaticKeyStore struct {
	mu     sync.RWMutex
	params *chaincfg.Params
	keys   map[string]*btcec.PrivateKey
}

// NewStaticKeyStore parses hex-encoded private keys. An optional 0x prefix
// is tolerated.
func NewStaticKeyStore(params *chaincfg.Params, hexKeys map[string]string) (*StaticKeyStore, error) {
	s := &StaticKeyStore{
		params: params,
		keys:   make(map[string]*btcec.PrivateKey, len(hexKeys)),
	}
	for ref, h := range hexKeys {
		if err := s.Add(ref, h); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers one key under a handle.
func (s *StaticKeyStore) Add(keyRef, hexKey string) error {
	raw, err := hex.DecodeString(util.TrimHex(hexKey))
	if err != nil {
		return fmt.Errorf("key %s: %w", keyRef, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("key %s: got %d bytes, want 32", keyRef, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	s.mu.Lock()
	s.keys[keyRef] = key
	s.mu.Unlock()
	return nil
}

// Key resolves a handle into its private key.
func (s *StaticKeyStore) Key(keyRef string) (*btcec.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyRef]
	if !ok {
		return nil, fmt.Errorf("unknown key handle %s", keyRef)
	}
	return key, nil
}

// Address derives the P2WPKH address of a handle.
func (s *StaticKeyStore) Address(keyRef string) (btcutil.Address, error) {
	key, err := s.Key(keyRef)
	if err != nil {
		return nil, err
	}
	hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, s.params)
}
