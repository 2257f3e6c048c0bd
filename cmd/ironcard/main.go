package main

import "github.com/jmcleod/ironcard/cmd/ironcard/cmd"

func main() {
	cmd.Execute()
}
