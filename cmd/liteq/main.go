package main

import (
	"os"

	"github.com/nuetzliches/liteq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
