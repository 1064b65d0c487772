package main

import (
	"os"

	"github.com/nhle/mailsync/internal/app"
)

func main() {
	os.Exit(app.Execute())
}
