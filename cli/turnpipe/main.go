package main

import (
	"fmt"
	"os"

	turnpipecmder "github.com/kumonrecept/turnpipe/cmd/turnpipe"
)

func main() {
	cmd := turnpipecmder.NewTurnpipeCmd()
	err := cmd.Execute()
	if err != nil {
		fmt.Printf("Error executing root command: %v\n", err)
		os.Exit(1)
	}
}
