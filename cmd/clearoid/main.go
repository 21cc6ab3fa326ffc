package main

import (
	"os"

	"horse.fit/clearoid/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
