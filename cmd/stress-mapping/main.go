package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
	"github.com/e2b-dev/infra/packages/membacking/internal/logger"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
)

type stressConfig struct {
	vps           int
	ranges        int
	rangeSize     uint64
	duration      time.Duration
	churnInterval time.Duration
	quiesceEvery  int
	kind          mappable.Kind
}

type counters struct {
	translations atomic.Uint64
	faults       atomic.Uint64
	replaces     atomic.Uint64
	removes      atomic.Uint64
	timeouts     atomic.Uint64
	checksum     atomic.Uint64
}

func main() {
	vps := flag.Int("vps", 4, "number of virtual processors translating concurrently")
	ranges := flag.Int("ranges", 16, "number of guest ranges")
	rangeSize := flag.Uint64("range-size", 2<<20, "size of each guest range in bytes")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	churnInterval := flag.Duration("churn-interval", time.Millisecond, "pause between structural changes")
	quiesceEvery := flag.Int("quiesce-every", 64, "translations between reclamation points of a virtual processor")
	kind := flag.String("backing", string(mappable.KindAnonymous), "backing kind: anonymous or shm")
	flag.Parse()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	l := logger.NewLogger(context.Background(), config)
	defer l.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, l, config, stressConfig{
		vps:           *vps,
		ranges:        *ranges,
		rangeSize:     *rangeSize,
		duration:      *duration,
		churnInterval: *churnInterval,
		quiesceEvery:  *quiesceEvery,
		kind:          mappable.Kind(*kind),
	})
	if err != nil {
		l.Error("stress run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, l *zap.Logger, config cfg.Config, sc stressConfig) error {
	if sc.vps <= 0 || sc.ranges <= 0 || sc.rangeSize < 8 || sc.quiesceEvery <= 0 {
		return errors.New("vps, ranges and quiesce-every must be positive and range-size at least 8 bytes")
	}

	opener, err := mappable.NewHostOpener(l, config.BackingConfig)
	if err != nil {
		return fmt.Errorf("failed to create host opener: %w", err)
	}

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer meterProvider.Shutdown(context.Background()) //nolint:errcheck

	m, err := mapping.NewManager(l, config.MappingConfig, opener, meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create mapping manager: %w", err)
	}

	c := m.Client()
	versions := make([]int, sc.ranges)

	identity := func(i int) mappable.Identity {
		return mappable.Identity{
			Kind: sc.kind,
			Name: fmt.Sprintf("stress-%d-v%d", i, versions[i]),
			Size: sc.rangeSize,
		}
	}

	for i := range sc.ranges {
		if _, err := c.Insert(ctx, guestRange(sc, i), identity(i), 0); err != nil {
			return fmt.Errorf("failed to insert range %d: %w", i, err)
		}
	}

	l.Info("starting stress run",
		zap.Int("vps", sc.vps),
		zap.Int("ranges", sc.ranges),
		logger.WithSize("guest_memory", uint64(sc.ranges)*sc.rangeSize),
		zap.Duration("duration", sc.duration),
		zap.String("backing", string(sc.kind)),
	)

	runCtx, stop := context.WithTimeout(ctx, sc.duration)
	defer stop()

	var cnt counters
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)

	for vp := range sc.vps {
		v, err := c.NewVaMapper()
		if err != nil {
			return fmt.Errorf("failed to create va mapper for vp %d: %w", vp, err)
		}

		g.Go(func() error {
			defer v.Close()

			return translate(gctx, v, sc, &cnt)
		})
	}

	g.Go(func() error {
		return churn(gctx, l, c, sc, versions, identity, &cnt)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	elapsed := time.Since(start)

	report(l, reader, sc, &cnt, c.Generation(), elapsed)

	return m.Close(context.Background())
}

func guestRange(sc stressConfig, i int) mapping.GuestRange {
	return mapping.NewGuestRange(uint64(i)*sc.rangeSize, sc.rangeSize)
}

// translate plays a virtual processor: it touches random guest addresses and
// passes a reclamation point every quiesceEvery translations.
func translate(ctx context.Context, v *mapping.VaMapper, sc stressConfig, cnt *counters) error {
	limit := uint64(sc.ranges) * sc.rangeSize

	for n := 1; ctx.Err() == nil; n++ {
		gpa := rand.Uint64N(limit-8) &^ 7

		b, err := v.Slice(gpa, 8)
		switch {
		case errors.Is(err, mapping.ErrNotMapped):
			cnt.faults.Add(1)
		case err != nil:
			return fmt.Errorf("translation of %#x failed: %w", gpa, err)
		default:
			cnt.checksum.Add(uint64(b[0]))
		}

		cnt.translations.Add(1)

		if n%sc.quiesceEvery == 0 {
			v.Quiesce()
		}
	}

	v.Quiesce()

	return nil
}

// churn keeps replacing and hot-removing ranges until ctx is done.
func churn(
	ctx context.Context,
	l *zap.Logger,
	c mapping.Client,
	sc stressConfig,
	versions []int,
	identity func(int) mappable.Identity,
	cnt *counters,
) error {
	ticker := time.NewTicker(sc.churnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		i := rand.IntN(sc.ranges)
		r := guestRange(sc, i)
		versions[i]++

		if rand.IntN(2) == 0 {
			_, err := c.Replace(ctx, r, identity(i), 0)
			if err := checkMutation(ctx, l, err, cnt); err != nil {
				return err
			}

			cnt.replaces.Add(1)

			continue
		}

		err := c.Remove(ctx, r)
		if err := checkMutation(ctx, l, err, cnt); err != nil {
			return err
		}

		if err == nil {
			cnt.removes.Add(1)
		}

		if _, err := c.Insert(context.Background(), r, identity(i), 0); err != nil && !errors.Is(err, mapping.ErrOverlapConflict) {
			return fmt.Errorf("failed to reinsert %s: %w", r, err)
		}
	}
}

func checkMutation(ctx context.Context, l *zap.Logger, err error, cnt *counters) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, mapping.ErrRemovalTimedOut):
		cnt.timeouts.Add(1)
		l.Warn("structural change timed out", zap.Error(err))

		return nil
	default:
		return err
	}
}

func report(l *zap.Logger, reader *sdkmetric.ManualReader, sc stressConfig, cnt *counters, generation uint64, elapsed time.Duration) {
	translations := cnt.translations.Load()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("translations", humanize.Comma(int64(translations))),
		zap.String("translations_per_second", humanize.SIWithDigits(float64(translations)/elapsed.Seconds(), 2, "")),
		zap.Uint64("faults", cnt.faults.Load()),
		zap.Uint64("replaces", cnt.replaces.Load()),
		zap.Uint64("removes", cnt.removes.Load()),
		zap.Uint64("timeouts", cnt.timeouts.Load()),
		logger.WithGeneration(generation),
		zap.Uint64("checksum", cnt.checksum.Load()),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			fields = append(fields, logger.WithSize("rss", mem.RSS))
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err == nil {
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				h, ok := m.Data.(metricdata.Histogram[int64])
				if !ok {
					continue
				}

				var sum int64
				var count uint64
				for _, dp := range h.DataPoints {
					sum += dp.Sum
					count += dp.Count
				}

				if count > 0 {
					fields = append(fields, zap.String(m.Name+".mean_us", fmt.Sprintf("%.1f", float64(sum)/float64(count))))
				}
			}
		}
	}

	l.Info("stress run finished", fields...)

	fmt.Printf("%d vps, %d ranges of %s: %s translations in %s, %d faults, %d timeouts\n",
		sc.vps, sc.ranges, humanize.IBytes(sc.rangeSize),
		humanize.Comma(int64(translations)), elapsed.Round(time.Millisecond),
		cnt.faults.Load(), cnt.timeouts.Load(),
	)
}
