package main

import "os"

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
