// cmd/concord/main.go
//
// Entry point for the concord CLI. Every subcommand returns an error that
// maps onto the documented exit codes:
//
//	0 resolved · 1 configuration · 2 execution · 3 session timeout · 4 interrupted

package main

import (
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
