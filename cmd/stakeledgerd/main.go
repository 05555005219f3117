// Stakeledger node daemon.
//
// Usage:
//
//	stakeledgerd [--validate --validator-key=...] Run node
//	stakeledgerd --help                          Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Klingon-tech/stakeledger/config"
	"github.com/Klingon-tech/stakeledger/internal/node"
)

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var genesis *config.Genesis
	if flags.Genesis != "" {
		genesis, err = config.LoadGenesis(flags.Genesis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	n, err := node.New(cfg, genesis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
