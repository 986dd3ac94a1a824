package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"clashstats/cs/common/logx"
	"clashstats/cs/server"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const (
	defaultConfig = "./config/config.yaml"
)

func Run() {
	// no arguments: serve
	if len(os.Args) == 1 {
		must(server.Run(defaultConfig))
		return
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		printHelp()
		return

	case "hash":
		if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: clashstats hash <PASS>")
			os.Exit(2)
		}
		h, err := HashPassword(os.Args[2])
		must(err)
		fmt.Println(h)

	case "purge", "pg":
		if len(os.Args) < 3 {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: clashstats purge <DAYS> [BACKEND_ID]")
			_, _ = fmt.Fprintln(os.Stderr, "  DAYS 0 wipes logs and every aggregate")
			os.Exit(2)
		}
		days, err := strconv.Atoi(strings.TrimSpace(os.Args[2]))
		if err != nil || days < 0 {
			_, _ = fmt.Fprintln(os.Stderr, "DAYS must be a non-negative integer")
			os.Exit(2)
		}
		var backendID int64
		if len(os.Args) > 3 {
			backendID, err = strconv.ParseInt(strings.TrimSpace(os.Args[3]), 10, 64)
			if err != nil || backendID <= 0 {
				_, _ = fmt.Fprintln(os.Stderr, "BACKEND_ID must be a positive integer")
				os.Exit(2)
			}
		}
		must(Purge(defaultConfig, backendID, days))
		cmd.Infof("purge done.")

	case "serve":
		must(server.Run(defaultConfig))

	default:
		// unknown argument: serve anyway
		must(server.Run(defaultConfig))
	}
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  clashstats                          # start collectors and the API
  clashstats hash <PASS>              # print a bcrypt hash for admin.password
  clashstats purge <DAYS> [BACKEND]   # delete connection logs older than DAYS

Examples:
  clashstats
  clashstats hash s3cret
  clashstats purge 30
  clashstats purge 0 2`)
}
