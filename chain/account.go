package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is a source credential and its derived address. The key never
// leaves this struct; it is only handed to the signer at submission time.
type Account struct {
	key  *ecdsa.PrivateKey
	addr ethcmn.Address
}

// NewAccount parses a hex-encoded private key (with or without 0x prefix)
// and derives the address from it.
func NewAccount(hexKey string) (*Account, error) {
	pkHex := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Account{key: key, addr: AddressFromKey(key)}, nil
}

func (a *Account) Address() ethcmn.Address {
	return a.addr
}

func (a *Account) Key() *ecdsa.PrivateKey {
	return a.key
}

// AddressFromKey converts an ECDSA private key to its Ethereum address.
func AddressFromKey(key *ecdsa.PrivateKey) ethcmn.Address {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		panic(fmt.Errorf("convert into pubkey failed"))
	}
	return crypto.PubkeyToAddress(*pub)
}

// ValidatePrivateKey reports whether s is a well-formed secp256k1 private
// key in hex. Malformed keys must never reach the pipeline.
func ValidatePrivateKey(s string) error {
	pkHex := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(pkHex) != 64 {
		return fmt.Errorf("private key must be 64 hex characters, got %d", len(pkHex))
	}
	if _, err := crypto.HexToECDSA(pkHex); err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}
	return nil
}

// ValidateAddress reports whether s is a well-formed 0x-prefixed address.
func ValidateAddress(s string) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return fmt.Errorf("address must start with 0x")
	}
	hexPart := s[2:]
	if len(hexPart) != 2*ethcmn.AddressLength {
		return fmt.Errorf("address must be %d hex characters, got %d", 2*ethcmn.AddressLength, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("address contains non-hex characters")
	}
	return nil
}
