package main

import "github.com/convoke-ai/convoke/cmd"

func main() {
	cmd.Execute()
}
