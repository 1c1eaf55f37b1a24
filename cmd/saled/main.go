package main

import (
	"log"

	"tokensale/cmd/internal/passphrase"
	"tokensale/services/saled"
)

func main() {
	passphrases := func(envVar string) func() (string, error) {
		return passphrase.NewSource(envVar).Get
	}
	if err := saled.Main(passphrases); err != nil {
		log.Fatalf("saled: %v", err)
	}
}
