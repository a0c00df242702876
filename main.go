package main

import "github.com/fleetgrid/relay/cmd"

func main() {
	cmd.Execute()
}
