package main

import "github.com/aweris/cabs/cmd/cabs/cmd"

func main() {
	cmd.Execute()
}
