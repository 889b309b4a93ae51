package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liuproxy_egress/internal/app"
	"liuproxy_egress/internal/requester"
	"liuproxy_egress/internal/service/report"
	"liuproxy_egress/internal/shared/config"
	"liuproxy_egress/internal/shared/logger"
	"liuproxy_egress/proxypool/model"
)

const usage = `Usage: egress [-config configs/egress.ini] <command> [args]

Commands:
  init                 verify the pool, fetch free feeds when nothing works
  add <file>           import a proxy list file (-protocol http|https|socks5)
  fetch                refresh every configured feed
  test                 verify every identity and print pool statistics
  report [-o file]     export the pool to an xlsx workbook
  serve                run background scheduling and the dashboard
  get <url>            fetch a URL through the egress layer
`

func main() {
	iniPath := flag.String("config", "configs/egress.ini", "Path to egress.ini")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// 1. 加载 .ini 配置
	cfg := config.Default()
	if err := config.LoadIni(cfg, *iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *iniPath, err)
		os.Exit(1)
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 组装并执行子命令
	e, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize egress layer")
	}
	err = run(ctx, e, flag.Arg(0), flag.Args()[1:])
	e.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, e *app.Egress, cmd string, args []string) error {
	switch cmd {
	case "init":
		r := e.Manager.Init(ctx)
		fmt.Printf("loaded %d, checked %d, fetched %d, working %d\n",
			r.Loaded, r.Verified.Checked, r.Fetched, r.Working)
		return nil

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		proto := fs.String("protocol", "http", "protocol for lines without a scheme")
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("add needs exactly one file")
		}
		hint, err := model.ParseProtocol(*proto)
		if err != nil {
			return err
		}
		n, err := e.Importer.ImportFile(fs.Arg(0), hint)
		if err != nil {
			return err
		}
		fmt.Printf("added %d identities (pool size %d)\n", n, e.Store.Len())
		return nil

	case "fetch":
		n, err := e.Importer.RefreshAll(ctx)
		fmt.Printf("added %d identities from %d feeds\n", n, len(e.Importer.Feeds()))
		return err

	case "test":
		s := e.Verifier.VerifyAll(ctx, e.Store.Snapshot())
		sum := report.Summarize(e.Store.Stats(), e.Store.Snapshot(), 5)
		fmt.Printf("checked %d in %s: %d working, %d failed\n", s.Checked, s.Elapsed.Round(time.Millisecond), s.Working, s.Failed)
		fmt.Printf("total %d, available %d, banned %d, success rate %.1f%%\n",
			sum.Stats.Total, sum.Stats.Available, sum.Stats.Banned, sum.SuccessRate)
		if len(sum.Fastest) > 0 {
			fmt.Println("fastest:")
			for _, rec := range sum.Fastest {
				fmt.Printf("  %-40s %.2fs\n", rec.ID, *rec.AvgResponseTime)
			}
		}
		return nil

	case "report":
		fs := flag.NewFlagSet("report", flag.ExitOnError)
		out := fs.String("o", "egress_report.xlsx", "output file")
		fs.Parse(args)
		now := time.Now()
		if err := report.Export(*out, e.Store.Snapshot(), e.Store.Stats(), now); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", *out)
		return nil

	case "serve":
		return e.Serve(ctx)

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get needs exactly one url")
		}
		resp, err := e.NewRequester().Get(ctx, args[0])
		if errors.Is(err, requester.ErrExhaustedRetries) {
			return fmt.Errorf("target currently unreachable: %w", err)
		}
		if err != nil {
			return err
		}
		via := resp.IdentityID
		if resp.Fallback {
			via = "fallback"
		}
		fmt.Fprintf(os.Stderr, "%d via %s after %d attempt(s), %s\n", resp.StatusCode, via, resp.Attempts, resp.Latency.Round(time.Millisecond))
		os.Stdout.Write(resp.Body)
		return nil
	}
	flag.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}
