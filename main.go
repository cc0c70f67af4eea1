package main

import (
	"github.com/luma/kvwire/cmd"
)

func main() {
	cmd.Execute()
}
