package main

import "github.com/kea-bot/kea/cmd"

func main() {
	cmd.Execute()
}
