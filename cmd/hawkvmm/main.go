// Command hawkvmm boots a single guest binary under KVM.
package main

import (
	"fmt"
	"log"
	"os"

	hawkvmm "github.com/dopecoder/hawkvmm"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s -b <guest-binary>\n", os.Args[0])
}

func main() {
	if len(os.Args) != 3 {
		usage()
		os.Exit(1)
	}

	path := os.Args[2]

	m, err := hawkvmm.New(path, hawkvmm.DefaultMemorySize)
	if err != nil {
		log.Fatalf("hawkvmm: %v", err)
	}

	if err := m.Run(); err != nil {
		log.Fatalf("hawkvmm: %v", err)
	}
}
