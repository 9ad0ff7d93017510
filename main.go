package main

import "github.com/deploymenttheory/go-remap/cmd"

func main() {
	cmd.Execute()
}
