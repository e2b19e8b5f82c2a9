package main

import (
	"github.com/joho/godotenv"

	"github.com/deskhive/deskhive/api/cmd/deskhive"
)

func main() {
	_ = godotenv.Load()
	deskhive.Execute()
}
