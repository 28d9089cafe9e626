package main

import (
	"os"

	"github.com/stamatisl/privaxy"
)

func main() {
	os.Exit(privaxy.Run())
}
