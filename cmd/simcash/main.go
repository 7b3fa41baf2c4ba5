package main

import "github.com/aerugo/SimCash-sub000/internal/cli"

func main() {
	cli.Execute()
}
