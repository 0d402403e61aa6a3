package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowbook/pkg/crypto"
	"github.com/uhyunpark/escrowbook/pkg/escrow"
	"github.com/uhyunpark/escrowbook/pkg/instruction"
)

// Walkthrough: generate keys, derive the book and vault addresses, build a
// signed create_order instruction, and verify it locally. The printed JSON
// can be POSTed to /api/v1/instructions as-is.
func main() {
	// Step 1: Generate or load keys
	admin, err := loadOrGenerate("ADMIN_PRIVATE_KEY")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	maker, err := loadOrGenerate("MAKER_PRIVATE_KEY")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Admin: %s\n", admin.Address().Hex())
	fmt.Printf("Maker: %s\n", maker.Address().Hex())
	fmt.Printf("Maker Private Key: %s (KEEP SECRET!)\n\n", maker.PrivateKeyHex())

	// Step 2: Derive the accounts any client can compute offline
	mint := common.HexToAddress("0x00000000000000000000000000000000000bc001")
	book := escrow.DeriveOrderBookAddress(admin.Address())
	vault := escrow.DeriveVaultAddress(book, mint)

	fmt.Printf("Order Book: %s\n", book.Hex())
	fmt.Printf("Vault (mint %s): %s\n\n", mint.Hex(), vault.Hex())

	// Step 3: Build and sign a create_order instruction
	ins := &instruction.SignedInstruction{
		Type: instruction.TypeCreateOrder,
		Create: &instruction.CreatePayload{
			Admin:     admin.Address().Hex(),
			Maker:     maker.Address().Hex(),
			Side:      "buy",
			Amount:    "1000000",
			Price:     "1000000",
			TokenMint: mint.Hex(),
			Nonce:     "1",
		},
	}

	if err := instruction.Sign(maker, ins); err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	insJSON, err := json.MarshalIndent(ins, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed Instruction (JSON):")
	fmt.Println(string(insJSON))
	fmt.Println()

	// Step 4: Verify signature
	fmt.Println("Verifying signature...")
	signer, err := instruction.Verify(ins)
	if err != nil {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Signature VALID (signer %s)\n", signer.Hex())
}

func loadOrGenerate(envKey string) (*crypto.Signer, error) {
	if hexKey := os.Getenv(envKey); hexKey != "" {
		return crypto.FromPrivateKeyHex(hexKey)
	}
	return crypto.GenerateKey()
}
