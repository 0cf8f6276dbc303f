// Package main provides installerctl, the command line front end for
// packaging projects, checking policy, inspecting audit history and talking
// to a running installer-server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
