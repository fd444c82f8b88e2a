package main

import (
	"github.com/stewardbot/steward/cmd"
)

func main() {
	cmd.Execute()
}
