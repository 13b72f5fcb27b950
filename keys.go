package swapd

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// HDKeyDeriver derives swap keys from an extended private key. Every swap
// stores the derivation index of its key, so the same key can be recovered
// for cooperative signatures and sweeps after a restart.
type HDKeyDeriver struct {
	master *hdkeychain.ExtendedKey
}

// A compile time check that HDKeyDeriver implements KeyDeriver.
var _ KeyDeriver = (*HDKeyDeriver)(nil)

// NewHDKeyDeriver parses a base58 extended private key.
func NewHDKeyDeriver(xprv string) (*HDKeyDeriver, error) {
	master, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	if !master.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}

	return &HDKeyDeriver{master: master}, nil
}

// DeriveKey returns the private key at the given derivation index.
func (d *HDKeyDeriver) DeriveKey(_ context.Context, index int32) (
	*btcec.PrivateKey, error) {

	if index < 0 {
		return nil, fmt.Errorf("negative key index %v", index)
	}

	child, err := d.master.Derive(uint32(index))
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}
