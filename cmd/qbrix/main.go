package main

import "github.com/qbrix/qbrix/cmd/qbrix/cmd"

func main() {
	cmd.Execute()
}
