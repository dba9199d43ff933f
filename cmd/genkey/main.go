// Command genkey provisions the vault secrets: a random master secret and a
// random KDF salt, printed as .env lines. The salt must stay stable for the
// lifetime of the stored credentials; losing it makes them undecryptable.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

func main() {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate master secret: %v\n", err)
		os.Exit(1)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate salt: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("# Add these to your .env file. Keep both stable: changing either")
	fmt.Println("# makes every stored credential undecryptable.")
	fmt.Printf("MASTER_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))
	fmt.Printf("VAULT_KDF_SALT=%s\n", base64.StdEncoding.EncodeToString(salt))
}
