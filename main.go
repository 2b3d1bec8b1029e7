package main

import (
	"github.com/mkoberg/amidbg/cmd"
)

func main() {
	cmd.Execute()
}
