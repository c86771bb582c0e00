package main

import (
	"github.com/joho/godotenv"

	"southwinds.dev/tokenvault/cli/cmd"
)

func main() {
	// Optional .env for local operator use; real deployments inject the
	// secrets through the process environment.
	_ = godotenv.Load()

	cmd.Execute()
}
