package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"OpenSafe-Chain/internal/config"
)

// main 是 opensafe 命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("opensafe 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "opensafe",
		Usage: "Safe 多签交易的提议、签名、执行与同步",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				EnvVars: []string{config.EnvConfigPath},
			},
		},
		Commands: []*cli.Command{
			proposeCommand(),
			signCommand(),
			executeCommand(),
			statusCommand(),
			showCommand(),
			listCommand(),
			statsCommand(),
			pushCommand(),
			pullCommand(),
			serveCommand(),
		},
	}
}

// withRuntime 加载配置并装配依赖后执行 fn，结束时释放资源。
func withRuntime(fn func(c *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c.String("config"))
		if err != nil {
			return err
		}
		rt, err := newRuntime(c.Context, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "释放资源失败: %v\n", err)
			}
		}()
		return fn(c, rt)
	}
}
