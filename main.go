package main

import "github.com/Harmiox/discord-bugreports/cmd"

func main() {
	cmd.Execute()
}
