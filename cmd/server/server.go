package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/checkpoint"
	"collabtext/internal/cluster"
	"collabtext/internal/codec"
	"collabtext/internal/config"
	"collabtext/internal/connection"
	"collabtext/internal/discovery"
	"collabtext/internal/lock"
	"collabtext/internal/metrics"
	"collabtext/internal/session"
	"collabtext/internal/store"
)

const shutdownTimeout = 30 * time.Second

// serve runs the server until ctx is done, then drains it: connections are
// closed first, then every session is checkpointed before storage goes away.
func serve(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLogged("store", st)

	var (
		locker lock.Locker = lock.NewMemoryLocker()
		medium cluster.Medium
	)
	if cfg.Cluster == config.ClusterRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		defer closeLogged("redis", rdb)
		glog.Infof("connected to redis at %s", cfg.RedisAddr)
		locker = lock.NewRedisLocker(rdb)
		medium = cluster.NewRedisMedium(rdb)
	} else {
		mem := cluster.NewMemoryMedium()
		defer closeLogged("cluster medium", mem)
		medium = mem
	}

	sessions := session.NewRegistry(session.Options{
		Store:       st,
		Locker:      locker,
		Cluster:     cluster.NewBroadcaster(medium, cfg.ProcessID, mt),
		Codec:       codecFor(cfg),
		LockTTL:     cfg.LockTTL,
		GracePeriod: cfg.GracePeriod,
		Metrics:     mt,
	})
	manager := connection.NewManager(sessions, connection.Options{
		Codec:       codecFor(cfg),
		IdleTimeout: cfg.IdleTimeout,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		Metrics:     mt,
	})
	scheduler := checkpoint.NewScheduler(sessions, cfg.CheckpointInterval, cfg.AwarenessTimeout, mt)
	scheduler.Start(ctx)

	router := mux.NewRouter()
	manager.Route(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok %d connections\n", manager.Connections())
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	glog.Infof("collabtext sync server %s listening on %s (store=%s cluster=%s)",
		cfg.ProcessID, ln.Addr(), cfg.Store, cfg.Cluster)

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(port, cfg.ProcessID)
		if err != nil {
			glog.Warningf("mdns advertisement failed: %v", err)
		} else {
			defer ad.Shutdown()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("http server: %v", err)
		}
	}

	glog.Info("draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(drainCtx); err != nil {
		glog.Warningf("closing connections: %v", err)
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	scheduler.Stop()
	if err := sessions.Close(drainCtx); err != nil {
		glog.Errorf("final checkpoints: %v", err)
		return err
	}
	glog.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store {
	case config.StorePostgres:
		st, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreBolt:
		st, err = store.OpenBolt(cfg.BoltPath)
	default:
		glog.Warning("using the in-memory store, checkpoints will not survive a restart")
		st = store.NewMemoryStore()
	}
	if err != nil {
		return nil, err
	}
	glog.Infof("checkpoint store: %s", cfg.Store)
	if cfg.Compress {
		return store.Compressed{Store: st}, nil
	}
	return st, nil
}

func codecFor(cfg config.Config) codec.Codec {
	return codec.Codec{MaxFrameSize: cfg.MaxFrameSize}
}

func closeLogged(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		glog.Warningf("closing %s: %v", what, err)
	}
}
