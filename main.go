package main

import "benchrunner/cmd/cli"

func main() {
	cli.Execute()
}
