// Package main provides the entry point for the esindex CLI.
package main

import (
	"fmt"
	"os"

	"github.com/webme-commons/esindex/cmd/esindex/cmd"
	errs "github.com/webme-commons/esindex/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errs.GetCode(err) != "" {
			_, _ = fmt.Fprint(os.Stderr, errs.FormatForCLI(err))
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
