package main

import (
	"fmt"
	"os"
)

func main() {
	app := newApp(appOptions{stdout: os.Stdout, stderr: os.Stderr})
	// Exit coders terminate inside Run; anything else is a usage error.
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}
}
