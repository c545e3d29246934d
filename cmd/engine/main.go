package main

import (
	"flag"
	"fmt"
	"os"

	"trade_engine/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, code, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(code)
	}

	code, err = app.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine exited: %v\n", err)
	}
	os.Exit(code)
}
