// Command pinch-keygen generates a Pinch signing keypair and prints it as
// JSON, adding its canonical address when -relay-host is given. With -out
// the JSON is written to that file (mode 0600) instead of stdout.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pinch-protocol/pinch-sub002/identity"
)

type keyFile struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Address    string `json:"address,omitempty"`
}

func main() {
	var relayHost string
	var outPath string
	flag.StringVar(&relayHost, "relay-host", "", "relay host to bind the printed address to (omit to print only the raw keys)")
	flag.StringVar(&outPath, "out", "", "write the keypair as JSON to this path instead of stdout")
	flag.Parse()

	kp, err := identity.GenerateKeypair()
	if err != nil {
		log.Fatalf("generate keypair: %v", err)
	}

	out := keyFile{
		PublicKey:  base64.StdEncoding.EncodeToString(kp.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(kp.PrivateKey),
	}
	if relayHost != "" {
		addr, err := identity.DeriveAddress(kp.PublicKey, relayHost)
		if err != nil {
			log.Fatalf("derive address: %v", err)
		}
		out.Address = addr
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatalf("marshal keypair: %v", err)
	}

	if outPath == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		log.Fatalf("write %s: %v", outPath, err)
	}
	fmt.Printf("wrote keypair to %s\n", outPath)
}
