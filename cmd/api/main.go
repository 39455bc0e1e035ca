package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"webhookd/internal/api"
	"webhookd/internal/buildinfo"
	"webhookd/internal/config"
	"webhookd/internal/events"
	"webhookd/internal/metrics"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("init server")
	}

	scheduler := srv.NewDeliveryScheduler()
	scheduler.Start()
	defer scheduler.Stop()

	janitor := srv.NewJanitor()
	if err := janitor.Start(); err != nil {
		log.WithError(err).Fatal("start retention janitor")
	}
	defer janitor.Stop()

	if cfg.AMQP.URL != "" {
		consumer, err := events.NewConsumer(cfg.AMQP, srv.Dispatcher, log)
		if err != nil {
			log.WithError(err).Fatal("connect amqp")
		}
		defer func() { _ = consumer.Close() }()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := consumer.Start(ctx); err != nil {
			log.WithError(err).Fatal("consume amqp")
		}
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(log, srv.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "version": buildinfo.Version}).Info("webhook engine listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		status := fmt.Sprintf("%d", rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(dur.Seconds())
		log.WithFields(logrus.Fields{
			"remote":   r.RemoteAddr,
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": dur.String(),
		}).Debug("request")
	})
}
