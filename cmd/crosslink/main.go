package main

import "github.com/ramiqadoumi/crosslink/services/crosslink/cli"

func main() {
	cli.Execute()
}
