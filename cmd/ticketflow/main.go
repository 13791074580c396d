package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/ticketflow/internal/cmd"
)

func main() {
	err := cmd.Execute(context.Background())
	if msg := cmd.Message(err); msg != "" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(cmd.ExitCode(err))
}
