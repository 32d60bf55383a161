package main

import "codescan/internal/cli"

func main() {
	cli.Execute()
}
