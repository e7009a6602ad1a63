package main

import (
	"github.com/dl-alexandre/cloudstream/internal/cli"
)

func main() {
	_ = cli.Execute()
}
