package main

import (
	"log"

	"github.com/opswell/hookrelay/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
