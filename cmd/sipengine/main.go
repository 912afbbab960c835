package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sip_engine/pkg/config"
	"github.com/arzzra/sip_engine/pkg/logging"
	"github.com/arzzra/sip_engine/pkg/sip/dialog"
	"github.com/arzzra/sip_engine/pkg/sip/stack"
	"github.com/arzzra/sip_engine/pkg/sip/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		listenAddr = flag.String("listen", "", "SIP listen address, overrides config")
		logLevel   = flag.String("log-level", "", "Log level, overrides config")
		target     = flag.String("call", "", "Target URI for an outgoing call, e.g. sip:bob@127.0.0.1:5070")
		answer     = flag.Bool("answer", true, "Answer incoming calls with 200 OK, otherwise 486")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *target, *answer); err != nil {
		logger.WithError(err).Fatal("sipengine stopped")
	}
	logger.Info("sipengine stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, target string, answer bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tr, err := transport.ListenUDP(cfg.Listen,
		transport.WithLogger(logger),
		transport.WithMetrics(transport.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	defer tr.Close()

	stackCfg, err := cfg.StackConfig()
	if err != nil {
		return err
	}

	s, err := stack.New(stackCfg, tr,
		stack.WithLogger(logger),
		stack.WithRegisterer(reg),
		stack.WithInviteHandler(inviteHandler(logger, answer)),
		stack.WithStateHandler(func(d *dialog.Dialog, from, to dialog.State) {
			logger.WithFields(logrus.Fields{
				"role": d.Role(),
				"from": from,
				"to":   to,
			}).Info("dialog state changed")
		}),
	)
	if err != nil {
		return err
	}
	logger.WithField("listen", tr.LocalAddr().String()).Info("sipengine started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx)
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(cfg.Metrics.Path, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("listen", srv.Addr).Info("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if target != "" {
		var uri sip.Uri
		if err := sip.ParseUri(target, &uri); err != nil {
			return fmt.Errorf("parse -call target: %w", err)
		}
		d, err := s.Invite(uri, stack.InviteOptions{})
		if err != nil {
			return fmt.Errorf("call %s: %w", target, err)
		}
		logger.WithField("dialog", d.ID().String()).Info("calling")
	}

	return g.Wait()
}

func metricsMux(path string, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// inviteHandler отвечает на входящий вызов 180, затем 200 или 486
func inviteHandler(logger logrus.FieldLogger, answer bool) stack.InviteHandler {
	return func(d *dialog.Dialog) {
		entry := logger.WithField("dialog", d.ID().String())
		entry.WithField("from", d.RemoteURI().String()).Info("incoming call")

		if err := d.Respond(d.NewResponse(sip.StatusRinging, "Ringing")); err != nil {
			entry.WithError(err).Warn("failed to send 180")
			return
		}

		res := d.NewResponse(sip.StatusBusyHere, "Busy Here")
		if answer {
			res = d.NewResponse(sip.StatusOK, "OK")
		}
		if err := d.Respond(res); err != nil {
			entry.WithError(err).Warn("failed to answer")
		}
	}
}
