// Command walletwiz はWalletWizの認証APIサーバー、クリーンアップワーカー、運用コマンドを起動する。
//
//	walletwiz [serve|worker|migrate|healthcheck|useradd <email>]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/walletwiz/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "walletwiz: %v\n", err)
		os.Exit(1)
	}
}
