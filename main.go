package main

import "github.com/gridforge-ai/gridforge-cli/cmd"

func main() {
	cmd.Execute()
}
