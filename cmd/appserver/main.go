package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tohenk/node-appserver-sub000/bridges/smsgw"
	"github.com/tohenk/node-appserver-sub000/bridges/telegram"
	"github.com/tohenk/node-appserver-sub000/internal/app"
	"github.com/tohenk/node-appserver-sub000/internal/bridge"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, map[string]bridge.Factory{
		"smsgw":    smsgw.Factory,
		"telegram": telegram.Factory,
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
