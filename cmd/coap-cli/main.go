package main

import (
	"fmt"
	"os"

	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

func main() {
	defer log.Sync()
	if err := Commands().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
