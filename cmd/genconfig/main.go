package main

import (
	"flag"
	"log"

	"github.com/yk-abe/people-counter/internal/config"
)

var out = flag.String("out", "config.yaml", "Output path for the generated config")

// genconfig writes the default configuration as a starting point for a
// new deployment.
func main() {
	flag.Parse()

	if err := config.Save(config.Default(), *out); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	log.Printf("Default config written to %s", *out)
}
