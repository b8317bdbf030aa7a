package main

import (
	"github.com/verdex-cloud/verdex/cmd"
	"github.com/verdex-cloud/verdex/pkg/env"
	"github.com/verdex-cloud/verdex/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("verdex failure", "error", err)
	}
}
