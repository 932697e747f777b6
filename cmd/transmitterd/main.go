// Package main provides the entry point for the transmitter daemon.
package main

import "github.com/next-trace/scg-transmitter/cmd/transmitterd/cmd"

// Version information populated at build time.
var version = "dev"

func main() {
	cmd.Execute(version)
}
