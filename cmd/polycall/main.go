package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gear6io/polycall/cli"
)

func main() {
	if err := cli.ExecuteWithContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
