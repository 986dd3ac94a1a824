package server

import (
	"context"
	"os/signal"
	"syscall"

	"clashstats/cs/api"
	"clashstats/cs/app"
	"clashstats/cs/common/config"
	"clashstats/cs/common/logx"
)

func Run(cfgPath string) error {
	// 1) config first so the log dir is known
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Logging.Dir != "" {
		logx.SetDir(cfg.Logging.Dir)
	}

	// 2) logs
	files := logx.MustInit()
	defer files.Close()
	info := logx.NewStdInfo(files)
	errL := logx.NewStdErr(files)

	a, err := app.Open(cfg, cfgP)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		_ = a.Stop()
		return err
	}
	info.Println("[boot] started")

	// 3) router
	r := api.New(a).Router()

	// 4) one server, HTTPS when a key pair is configured
	srv, useTLS := buildHTTPServer(a, r, errL)

	printListenHints(srv.Addr, useTLS, info)
	startMainAsync(srv, useTLS, errL)

	// 5) wait for a signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	info.Println("[boot] stopping...")

	shutdownAll(srv, a, info, errL)
	info.Println("[boot] bye")
	return nil
}
