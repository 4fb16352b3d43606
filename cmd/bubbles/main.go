// Command bubbles は位置情報と有料利用権のゲートウェイを起動する。
//
// 使い方:
//
//	bubbles [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/bubbles/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bubbles: %v\n", err)
		os.Exit(1)
	}
}
