// Command cluster generates cluster key material and serves the
// reference matching cluster over QUIC.
package main

import (
	"fmt"
	"os"
)

const usage = `usage: cluster <command> [flags]

commands:
  keygen   generate cluster.toml and secrets.toml
  serve    serve the cluster over QUIC
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error

	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
