package main

import "listen-room/internal/cli"

func main() {
	cli.Execute()
}
