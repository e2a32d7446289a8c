package main

import "github.com/palisade-bridge/palisade/cmd"

func main() {
	cmd.Execute()
}
