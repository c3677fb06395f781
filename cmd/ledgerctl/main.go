package main

import (
	"fmt"
	"os"

	"github.com/harborpanel/bursar/cmd/ledgerctl/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
