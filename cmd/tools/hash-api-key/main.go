// Command hash-api-key generates an API key and the PBKDF2 hash the server
// expects in its -api-key-hash flag, or hashes a key supplied by the caller.
package main

import (
	"flag"
	"fmt"
	"os"

	"frame-extractor/internal/auth"
)

func main() {
	key := flag.String("key", "", "existing key to hash; omitted to generate a fresh one")
	flag.Parse()

	if *key != "" {
		hash, err := auth.HashAPIKey(*key)
		if err != nil {
			fatalf("hash api key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	generated, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fatalf("generate api key: %v", err)
	}
	fmt.Printf("API key:  %s\n", generated)
	fmt.Printf("Hash:     %s\n", hash)
	fmt.Println("Store the hash in FRAME_EXTRACTOR_API_KEY_HASH; the key itself is not recoverable.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
