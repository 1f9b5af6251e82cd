package main

import "github.com/agentic-research/lodestone/cmd"

func main() {
	cmd.Execute()
}
