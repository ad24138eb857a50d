// Package identity derives the signing key of the care wallet from its
// BIP-39 secret phrase.
package identity

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	xerrors "gotchi-caretaker/internal/errors"
)

// CodeInvalidSeed marks a secret phrase that cannot produce a key.
const CodeInvalidSeed xerrors.Code = "INVALID_SEED"

// ErrInvalidSeed can be matched with errors.Is.
var ErrInvalidSeed = xerrors.New(CodeInvalidSeed, "")

func init() {
	xerrors.Register(CodeInvalidSeed, xerrors.Attributes{
		Message:  "invalid secret phrase",
		Severity: xerrors.SeverityCritical,
		Stage:    xerrors.StageIdentity,
		Alert:    true,
	})
}

// Identity is a derived signing key together with its public address.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
	path    accounts.DerivationPath
}

// Derive builds the identity at m/44'/60'/0'/0/0 for phrase.
func Derive(phrase string) (*Identity, error) {
	return DeriveAt(phrase, 0)
}

// DeriveAt builds the identity at m/44'/60'/0'/0/index for phrase, using the
// English wordlist and an empty passphrase.
func DeriveAt(phrase string, index uint32) (*Identity, error) {
	normalized := strings.Join(strings.Fields(phrase), " ")
	if normalized == "" {
		return nil, xerrors.New(CodeInvalidSeed, "secret phrase is empty")
	}
	seed, err := bip39.NewSeedWithErrorChecking(normalized, "")
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSeed, err,
			fmt.Sprintf("secret phrase with %d words is not a valid BIP-39 mnemonic", len(strings.Fields(normalized))))
	}

	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index

	key, err := deriveKey(seed, path)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSeed, err, fmt.Sprintf("derive key at %s", path))
	}
	return &Identity{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		path:    path,
	}, nil
}

// FromPrivateKey wraps an existing key, mainly for tests and tooling.
func FromPrivateKey(key *ecdsa.PrivateKey) *Identity {
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func deriveKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	// The network params only affect serialization, never the key material.
	ext, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	for _, n := range path {
		ext, err = ext.Derive(n)
		if err != nil {
			return nil, err
		}
	}
	priv, err := ext.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// Address returns the public address controlled by the identity.
func (i *Identity) Address() common.Address {
	return i.address
}

// Path returns the derivation path, empty for identities built from a raw key.
func (i *Identity) Path() accounts.DerivationPath {
	return i.path
}

// TransactOpts binds the key as signer for transactions on chainID.
func (i *Identity) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	if i == nil || i.key == nil {
		return nil, fmt.Errorf("identity has no key")
	}
	return bind.NewKeyedTransactorWithChainID(i.key, chainID)
}

// String never exposes key material.
func (i *Identity) String() string {
	if i == nil {
		return "identity(<nil>)"
	}
	return fmt.Sprintf("identity(%s)", i.address.Hex())
}
