package main

import "github.com/luxfi/lend/cmd/lendctl/commands"

func main() {
	commands.Execute()
}
