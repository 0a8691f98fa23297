// Command agent runs the parking sensor: it counts vehicles, publishes the
// count to AWS IoT and executes remote-control jobs.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/parking-iot/internal/config"
	"github.com/your-org/parking-iot/internal/detector"
	"github.com/your-org/parking-iot/internal/iotjobs"
	"github.com/your-org/parking-iot/internal/logging"
	"github.com/your-org/parking-iot/internal/upload"
)

type uploadClient interface {
	Publish(msg string) error
	Disconnect()
}

type jobsClient interface {
	Start() error
	Stop()
}

var (
	exit        = os.Exit
	nowMillis   = func() int64 { return time.Now().UnixMilli() }
	runDetector = detector.Run

	newPublisher = func(cfg *config.Settings, log *zap.SugaredLogger) (uploadClient, error) {
		return upload.New(cfg, log)
	}
	newJobs = func(cfg *config.Settings, log *zap.SugaredLogger) (jobsClient, error) {
		return iotjobs.New(cfg, log)
	}
)

// reading is one telemetry message on the upload topic.
type reading struct {
	Timestamp       int64 `json:"timestamp"`
	CurVehicleCount int   `json:"cur_vehicle_count"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogFile, cfg.Debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("agent failed", "error", err)
		exit(1)
	}
	log.Info("Program ended")
}

func run(ctx context.Context, cfg *config.Settings, log *zap.SugaredLogger) error {
	pub, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer pub.Disconnect()

	jobs, err := newJobs(cfg, log)
	if err != nil {
		return err
	}
	if err := jobs.Start(); err != nil {
		return err
	}
	defer jobs.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	counts := make(chan int, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runDetector(ctx, counts)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return publishLoop(ctx, pub, counts, cfg.TotalIterations, log)
	})
	return g.Wait()
}

// publishLoop forwards counts to the upload topic. iterations > 0 bounds
// the number of messages; 0 keeps going until ctx is canceled. Publish
// failures are logged and skipped: the sensor keeps counting while the
// uplink is down.
func publishLoop(ctx context.Context, pub uploadClient, counts <-chan int, iterations int, log *zap.SugaredLogger) error {
	for sent := 0; iterations == 0 || sent < iterations; sent++ {
		select {
		case <-ctx.Done():
			return nil
		case n := <-counts:
			data, err := json.Marshal(reading{Timestamp: nowMillis(), CurVehicleCount: n})
			if err != nil {
				log.Errorw("encode reading", "error", err)
				continue
			}
			if err := pub.Publish(string(data)); err != nil {
				log.Warnw("publish failed", "count", n, "error", err)
				continue
			}
			log.Infow("count published", "count", n)
		}
	}
	return nil
}
