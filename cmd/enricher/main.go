package main

import "github.com/ramiqadoumi/go-enrich-flow/services/enricher/cli"

func main() {
	cli.Execute()
}
