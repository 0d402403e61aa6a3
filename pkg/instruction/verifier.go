package instruction

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/escrowbook/pkg/crypto"
)

// Verify checks the instruction's structure and signature and returns the
// recovered signer. The signer must equal the identity the payload declares:
// admin for init, maker for create, taker for take, owner for cancel.
func Verify(ins *SignedInstruction) (common.Address, error) {
	if err := ins.Validate(); err != nil {
		return common.Address{}, err
	}

	message, declared, err := signingTarget(ins)
	if err != nil {
		return common.Address{}, err
	}

	sigBytes, err := decodeSignature(ins.Signature)
	if err != nil {
		return common.Address{}, err
	}

	hash := ethCrypto.Keccak256([]byte(message))
	signer, err := crypto.RecoverAddress(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	if signer != declared {
		return common.Address{}, fmt.Errorf("signature by %s, expected %s", signer.Hex(), declared.Hex())
	}
	return signer, nil
}

// Sign fills in the instruction's signature using the given signer. The
// signer must hold the key for the identity the payload declares.
func Sign(s *crypto.Signer, ins *SignedInstruction) error {
	message, declared, err := signingTarget(ins)
	if err != nil {
		return err
	}
	if s.Address() != declared {
		return fmt.Errorf("signer %s cannot sign for %s", s.Address().Hex(), declared.Hex())
	}

	sig, err := s.SignMessage([]byte(message))
	if err != nil {
		return err
	}
	ins.Signature = fmt.Sprintf("0x%x", sig)
	return ins.Validate()
}

// signingTarget returns the canonical message and the declared signer for a
// validated instruction.
func signingTarget(ins *SignedInstruction) (string, common.Address, error) {
	switch {
	case ins.Type == TypeInit && ins.Init != nil:
		return ins.Init.Message(), common.HexToAddress(ins.Init.Admin), nil
	case ins.Type == TypeCreateOrder && ins.Create != nil:
		return ins.Create.Message(), common.HexToAddress(ins.Create.Maker), nil
	case ins.Type == TypeTakeOrder && ins.Take != nil:
		return ins.Take.Message(), common.HexToAddress(ins.Take.Taker), nil
	case ins.Type == TypeCancelOrder && ins.Cancel != nil:
		return ins.Cancel.Message(), common.HexToAddress(ins.Cancel.Owner), nil
	default:
		return "", common.Address{}, fmt.Errorf("instruction type %q has no matching payload", ins.Type)
	}
}

// decodeSignature decodes a hex-encoded signature (with or without 0x
// prefix) and checks the 65-byte length.
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
