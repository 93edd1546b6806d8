package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-credit/cmd/odyssey/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	root := cli.NewRootCommand(cli.Options{
		RedisOpts: asynq.RedisClientOpt{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")},
	})
	if err := root.ExecuteContext(ctx); err != nil {
		code := cli.ExitCode(err)
		if code != cli.ExitExceedsBalance {
			_, _ = fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		}
		stop()
		os.Exit(code)
	}
}
