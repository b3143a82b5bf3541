package main

import "github.com/shipworks/ship/cmd"

func main() {
	cmd.Execute()
}
