package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/quantkit/quantkit/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
