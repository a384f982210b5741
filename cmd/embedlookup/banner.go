package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
)

func printBanner(w io.Writer) {
	banner := figure.NewFigure("EmbedLookup", "", true)
	fmt.Fprintln(w, banner.String())
}
