// Package main is the entry point for the titlerec application
package main

import (
	"github.com/inkwave/titlerec/cmd"
)

func main() {
	cmd.Execute()
}
