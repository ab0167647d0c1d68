// Package main is the entry point for the storefront client process.
package main

import (
	"os"

	"github.com/imrishuroy/storefront-orderflow/cmd/storefront/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
