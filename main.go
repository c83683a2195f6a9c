package main

import "github.com/encodeous/skymesh/cmd"

func main() {
	cmd.Execute()
}
