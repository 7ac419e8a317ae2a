// Feeder はRSS/Atom/JSONフィードのポーリング収集サーバー。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/feeder/internal/app"
)

// version はビルド時に -ldflags "-X main.version=..." で上書きされる。
var version = "dev"

func main() {
	if err := app.Run(os.Stdout, os.Args[1:], version); err != nil {
		fmt.Fprintf(os.Stderr, "feeder: %v\n", err)
		os.Exit(1)
	}
}
