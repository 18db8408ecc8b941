package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressDeriver hands out per-order deposit addresses from an account xpub.
type AddressDeriver struct {
	XPub string
}

// Derive expects XPub at path m/44'/60'/0'/0 and derives child index i.

func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	if key.IsPrivate() {
		return "", errors.New("refusing to derive from a private extended key")
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	pub, err := crypto.UnmarshalPubkey(pubKey.SerializeUncompressed())
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
