package main

import (
	"os"

	"github.com/congo-pay/offlinepay/internal/devicecli"
)

func main() {
	if err := devicecli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
