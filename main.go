package main

import "chat_sync_go/cli"

func main() {
	cli.Execute()
}
