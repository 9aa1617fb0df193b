package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	hio "github.com/hed1ad/heliowatch/pkg/io"
	csvio "github.com/hed1ad/heliowatch/pkg/io/csv"
	"github.com/hed1ad/heliowatch/pkg/io/kafka"
	"github.com/hed1ad/heliowatch/pkg/pipeline"
	"github.com/hed1ad/heliowatch/pkg/status"
	"github.com/hed1ad/heliowatch/pkg/store"
)

// wiring is a configured pipeline plus the connections it holds.
type wiring struct {
	pipeline *pipeline.Pipeline
	board    *status.Board
	closers  []func() error
}

// Close releases connections in reverse order of opening.
func (w *wiring) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wireOptions selects the optional outputs of a pipeline.
type wireOptions struct {
	// external enables metrics, redis, kafka and storage from config.
	external bool
	// detectionsCSV, when set, receives every detection.
	detectionsCSV string
}

func (a *app) wire(opts wireOptions) (_ *wiring, err error) {
	popts, err := pipeline.FromConfig(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	w := &wiring{board: status.NewBoard()}
	defer func() {
		if err != nil {
			_ = w.Close()
		}
	}()

	sinks := status.Multi{w.board}
	var publishers hio.MultiWriter

	if opts.detectionsCSV != "" {
		cw, err := csvio.NewWriter(opts.detectionsCSV)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, cw)
		w.closers = append(w.closers, cw.Close)
	}

	if opts.external {
		if a.cfg.MetricsAddr != "" {
			sink, closeFn, err := a.serveMetrics()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
			w.closers = append(w.closers, closeFn)
		}

		if a.cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				Password: a.cfg.Redis.Password,
				DB:       a.cfg.Redis.DB,
			})
			async := status.NewAsync(status.NewRedisSink(client,
				status.WithKeyPrefix(a.cfg.Redis.KeyPrefix),
				status.WithTTL(a.cfg.Redis.TTL),
				status.WithRedisLogger(a.logger),
			), 64)
			sinks = append(sinks, async)
			w.closers = append(w.closers, func() error {
				async.Close()
				return client.Close()
			})
		}

		if len(a.cfg.Kafka.Brokers) > 0 {
			kcfg := kafka.DefaultConfig()
			kcfg.Brokers = a.cfg.Kafka.Brokers
			kcfg.Topic = a.cfg.Kafka.Topic
			kcfg.Compression = a.cfg.Kafka.Compression
			kw, err := kafka.Dial(kcfg)
			if err != nil {
				return nil, err
			}
			publishers = append(publishers, kw)
			w.closers = append(w.closers, kw.Close)
		}

		if a.cfg.Storage.Path != "" {
			st, err := store.Open(store.Config{
				Path:             a.cfg.Storage.Path,
				CompressionLevel: a.cfg.Storage.CompressionLevel,
			})
			if err != nil {
				return nil, err
			}
			popts = append(popts, pipeline.WithStore(st))
			w.closers = append(w.closers, st.Close)
		}
	}

	popts = append(popts, pipeline.WithSink(sinks))
	if len(publishers) > 0 {
		popts = append(popts, pipeline.WithPublisher(publishers))
	}

	w.pipeline, err = pipeline.New(popts...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// serveMetrics exposes stage metrics on /metrics until the returned function
// is called.
func (a *app) serveMetrics() (status.Sink, func() error, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := status.NewPrometheusSink(reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.WithField("addr", srv.Addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return sink, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}, nil
}
