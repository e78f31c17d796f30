// Command gridcoin runs the coin ledger and reward engine.
package main

import (
	"os"

	"github.com/tutu-network/gridcoin/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
