package main

import (
	"os"

	"bondipack/internal/bondipack"
)

func main() {
	os.Exit(bondipack.Main(os.Args[1:]))
}
