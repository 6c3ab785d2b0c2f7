package main

import (
	"github.com/joho/godotenv"
)

func main() {
	// Development convenience; a missing .env is fine.
	_ = godotenv.Load()
	Execute()
}
