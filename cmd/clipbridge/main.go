package main

import (
	"github.com/berrythewa/clipbridge/internal/cli/cmd"
)

func main() {
	cmd.Execute()
}
