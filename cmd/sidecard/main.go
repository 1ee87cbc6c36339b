package main

import (
	"log"

	"stakesidecar/cmd/internal/passphrase"
	"stakesidecar/services/sidecar"
)

func main() {
	resolve := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar, "wallet keystore passphrase").Get()
	}
	if err := sidecar.Main(resolve); err != nil {
		log.Fatal(err)
	}
}
