package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cschleiden/go-rendertasks/diag"
	"github.com/cschleiden/go-rendertasks/task"
	"github.com/cschleiden/go-rendertasks/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	workers  = flag.Int("workers", 4, "number of render workers")
	regions  = flag.Int("regions", 4, "regions per map")
	tiles    = flag.Int("tiles", 16, "tiles per region")
	addr     = flag.String("addr", "", "address to serve diagnostics on, e.g. :3000")
	otlp     = flag.String("otlp", "", "OTLP/HTTP endpoint to export traces to, e.g. localhost:4318")
	traceOut = flag.Bool("trace-stdout", false, "print traces to stdout")
)

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tp, err := tracerProvider(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer tp.Shutdown(context.Background())

	otel.SetTracerProvider(tp)

	w := worker.New(
		worker.WithWorkers(*workers),
		worker.WithLogger(logger),
		worker.WithTracerProvider(tp),
		worker.WithRetryPolicy(worker.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     time.Second,
		}),
	)

	if err := w.Start(ctx); err != nil {
		log.Fatal(err)
	}

	if *addr != "" {
		go func() {
			if err := http.ListenAndServe(*addr, diag.NewServeMux(w)); err != nil {
				logger.Error("serving diagnostics", "error", err)
			}
		}()
	}

	overworld := w.Schedule(renderMap("overworld", *regions, *tiles), worker.WithName("overworld"))
	nether := w.Schedule(renderMap("nether", *regions, *tiles), worker.WithName("nether"))

	go reportProgress(ctx, w, logger)

	for _, id := range []string{overworld, nether} {
		info, err := w.Wait(ctx, id, time.Minute)
		if err != nil {
			logger.Error("waiting for map", "id", id, "error", err)
			break
		}

		logger.Info("map done", "name", info.Name, "state", info.State, "error", info.Error)
	}

	cancel()

	if err := w.WaitForCompletion(); err != nil {
		panic("could not stop worker" + err.Error())
	}
}

// renderMap builds a map render out of one combined task per region, each rendering its tiles.
func renderMap(name string, regionCount, tileCount int) task.Task {
	regions := make([]task.Task, 0, regionCount)

	for r := 0; r < regionCount; r++ {
		steps := make([]task.StepFunc, 0, tileCount)
		for t := 0; t < tileCount; t++ {
			steps = append(steps, renderTile(name, r, t))
		}

		regions = append(regions, task.NewSteps(steps...))
	}

	return task.NewCombined(regions)
}

func renderTile(world string, region, tile int) task.StepFunc {
	return func(ctx context.Context) error {
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)

		// Occasionally a chunk is not loaded yet
		if rand.Intn(50) == 0 {
			return fmt.Errorf("%s: region %d tile %d: chunk not loaded", world, region, tile)
		}

		return nil
	}
}

func reportProgress(ctx context.Context, w *worker.Worker, logger *slog.Logger) {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if current, ok := w.Current(); ok {
				logger.Info("rendering", "name", current.Name, "progress", fmt.Sprintf("%.1f%%", current.Progress*100))
			}
		}
	}
}

func tracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	var opts []sdktrace.TracerProviderOption

	if *traceOut {
		stdoutexp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithSyncer(stdoutexp))
	}

	if *otlp != "" {
		oclient := otlptracehttp.NewClient(otlptracehttp.WithEndpoint(*otlp), otlptracehttp.WithInsecure())
		exp, err := otlptrace.New(ctx, oclient)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
