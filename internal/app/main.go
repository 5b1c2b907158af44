package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "put":
		return putCmd(args[2:])
	case "pop":
		return popCmd(args[2:])
	case "peek":
		return peekCmd(args[2:])
	case "stats":
		return statsCmd(args[2:])
	case "redrive":
		return redriveCmd(args[2:])
	case "clear":
		return clearCmd(args[2:])
	case "drain":
		return drainCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "liteq")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  liteq put --db ./liteq.db [--queue name] [--delay 5s] [--file payload.bin] [data ...]")
	fmt.Fprintln(os.Stdout, "  liteq pop --db ./liteq.db [--queue name] [--invisible 60s] [--wait 20s] [--json]")
	fmt.Fprintln(os.Stdout, "  liteq peek --db ./liteq.db [--queue name] [--json]")
	fmt.Fprintln(os.Stdout, "  liteq stats --db ./liteq.db [--queue name] [--dlq-list 10] [--json]")
	fmt.Fprintln(os.Stdout, "  liteq redrive --db ./liteq.db [--queue name]")
	fmt.Fprintln(os.Stdout, "  liteq clear --db ./liteq.db [--queue name] [--dlq]")
	fmt.Fprintln(os.Stdout, "  liteq drain --db ./liteq.db [--queue name] [--timeout 1m]")
	fmt.Fprintln(os.Stdout, "  liteq version [--long] [--json]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Common flags: --postgres-dsn postgres://... (instead of --db),")
	fmt.Fprintln(os.Stdout, "  --log-level info, --log-output stderr|stdout|file, --log-file ./liteq.log,")
	fmt.Fprintln(os.Stdout, "  --dotenv ./.env, --tracing-endpoint http://collector:4318 [--tracing-insecure]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Env fallbacks: LITEQ_DB, LITEQ_POSTGRES_DSN, LITEQ_QUEUE, LITEQ_LOG_LEVEL,")
	fmt.Fprintln(os.Stdout, "  LITEQ_TRACING_ENDPOINT")
}
