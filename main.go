package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/imdea-software/bftsmr/config"
)

var (
	confs   = flag.String("config", "", "Deployment config `file` (required)")
	logFile = flag.String("log", "", "Path to the log `file`. Overwrites `log_file` field of the config file")
	id      = flag.Int("id", -1, "Replica `id`. Overwrites `id` field of the config file")
	verbose = flag.Bool("v", false, "Log debug messages")
)

func main() {
	flag.Parse()

	if *confs == "" {
		flag.Usage()
		os.Exit(1)
	}

	// one file describes the whole deployment; the flag picks the replica
	if *id >= 0 {
		os.Setenv(config.EnvPrefix+"_ID", fmt.Sprint(*id))
	}
	c, err := config.Read(*confs)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if *logFile != "" {
		c.LogFile = *logFile
	}
	if *verbose {
		c.Verbose = true
	}

	run(c)
}
