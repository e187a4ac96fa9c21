package main

import "github.com/thebenlamm/nanobot/cmd"

func main() {
	cmd.Execute()
}
