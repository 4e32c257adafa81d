package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	promadapter "github.com/codewandler/puppets-go/adapters/prometheus"
	"github.com/codewandler/puppets-go/core/puppet"
	"github.com/codewandler/puppets-go/core/router"
)

// === Config ===

var (
	logLevel    = slog.LevelInfo
	N           = getEnvInt("N", 200_000)
	batchSize   = getEnvInt("B", 20_000)
	members     = getEnvInt("MEMBERS", 4)
	workers     = getEnvInt("WORKERS", 0)
	variants    = getEnv("VARIANTS", "sequential,concurrent,parallel,router")
	useAsk      = getEnvBool("ASK", false)
	metricsAddr = getEnv("METRICS_ADDR", "")
	holdMetrics = getEnvBool("HOLD", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// === Domain ===

type (
	// tally counts in place; handlers run one at a time.
	tally struct {
		n int
	}

	// scorer is read-only state, so handlers may overlap on snapshots.
	scorer struct {
		puppet.Concurrent
		salt uint64
	}

	// hasher does CPU-bound work on the shared worker pool.
	hasher struct {
		puppet.Parallel
		salt uint64
	}

	add   struct{ by int }
	score struct{ v uint64 }
	hash  struct{ v uint64 }
)

func (m add) Handle(_ puppet.HandlerCtx, t *tally) (int, error) {
	t.n += m.by
	return t.n, nil
}

func (s *scorer) Clone() *scorer { c := *s; return &c }

func (m score) Handle(_ puppet.HandlerCtx, s *scorer) (uint64, error) {
	return mix(m.v^s.salt, 16), nil
}

func (h *hasher) Clone() *hasher { c := *h; return &c }

func (m hash) Handle(_ puppet.HandlerCtx, h *hasher) (uint64, error) {
	return mix(m.v^h.salt, 256), nil
}

// mix is a splitmix64 loop standing in for real work.
func mix(x uint64, rounds int) uint64 {
	for i := 0; i < rounds; i++ {
		x += 0x9e3779b97f4a7c15
		z := x
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		x = z ^ (z >> 31)
	}
	return x
}

// === Runner ===

type sendFunc func(ctx context.Context, i int) error

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := puppet.NewMaster(puppet.MasterOptions{
		Logger:  log,
		Metrics: promadapter.NewPuppetMetrics(reg),
		Workers: workers,
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", slog.String("addr", metricsAddr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	fmt.Printf("Messages: %d\n", N)
	fmt.Printf("    Mode: %s\n", mode())
	fmt.Printf(" Workers: %d\n", m.Workers().Size())

	for _, v := range strings.Split(variants, ",") {
		v = strings.TrimSpace(v)
		send, stop, err := setup(ctx, m, v)
		checkErr(err)
		run(ctx, v, send)
		checkErr(stop(ctx))
	}

	if holdMetrics && metricsAddr != "" {
		log.Info("holding for scrape, interrupt to exit")
		<-ctx.Done()
	}

	checkErr(m.Shutdown(context.Background()))
}

func mode() string {
	if useAsk {
		return "ask"
	}
	return "send"
}

func setup(ctx context.Context, m *puppet.Master, variant string) (sendFunc, func(context.Context) error, error) {
	switch variant {
	case "sequential":
		a, err := puppet.Spawn(ctx, m, nil, puppet.NewBuilder(func() *tally { return &tally{} }).WithName("tally"))
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context, i int) error {
			return deliver(ctx, a, add{by: 1})
		}, a.Stop, nil

	case "concurrent":
		a, err := puppet.Spawn(ctx, m, nil, puppet.NewBuilder(func() *scorer { return &scorer{salt: 7} }).WithName("scorer"))
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context, i int) error {
			return deliver(ctx, a, score{v: uint64(i)})
		}, a.Stop, nil

	case "parallel":
		a, err := puppet.Spawn(ctx, m, nil, puppet.NewBuilder(func() *hasher { return &hasher{salt: 11} }).WithName("hasher"))
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context, i int) error {
			return deliver(ctx, a, hash{v: uint64(i)})
		}, a.Stop, nil

	case "router":
		r, err := router.Spawn(ctx, m, members, puppet.NewBuilder(func() *tally { return &tally{} }).WithName("shard"))
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context, i int) error {
			key := "key-" + strconv.Itoa(i%1024)
			if useAsk {
				_, err := router.Ask(ctx, r, key, add{by: 1})
				return err
			}
			return router.Send(ctx, r, key, add{by: 1})
		}, r.Stop, nil
	}
	return nil, nil, fmt.Errorf("unknown variant %q", variant)
}

func deliver[P, R any](ctx context.Context, a *puppet.Address[P], msg puppet.Message[P, R]) error {
	if useAsk {
		_, err := puppet.Ask(ctx, a, msg)
		return err
	}
	return puppet.Send(ctx, a, msg)
}

func run(ctx context.Context, name string, send sendFunc) {
	println("==========================================")
	fmt.Printf("variant: %s\n", name)

	startAt := time.Now()
	lastTime := startAt

	for i := 1; i <= N; i++ {
		checkErr(send(ctx, i))

		if i%batchSize == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %7d msgs | %6d ms | %9d msgs/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}

	took := time.Since(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("  avg. msgs/s: %d\n", int(float64(N)/took.Seconds()))
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
