package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jzx17/decodepool/pkg/config"
	"github.com/jzx17/decodepool/pkg/frame"
	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/metrics"
	"github.com/jzx17/decodepool/pkg/pool"
	"github.com/jzx17/decodepool/pkg/unit"
)

const (
	transportLocal = "local"
	transportPipe  = "pipe"
	transportExec  = "exec"
)

// decodeFlags holds the decode command's options
type decodeFlags struct {
	poolSize     int
	autoSize     bool
	transport    string
	compress     bool
	concurrency  int
	timeout      time.Duration
	output       string
	metricsAddr  string
	trace        bool
	printStats   bool
	shutdownWait time.Duration
	spawnBackoff string
	spawnJitter  string
}

// fileResult is one line of decode output
type fileResult struct {
	File   string        `json:"file"`
	Frames []frame.Frame `json:"frames,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func newDecodeCommand(g *globalFlags) *cobra.Command {
	f := &decodeFlags{}

	cmd := &cobra.Command{
		Use:   "decode [files...]",
		Short: "Decode files and print their frames as JSON lines",
		Long: `Decode submits every file to the pool as one job and writes one JSON
object per file. Standard input is read when no file is given.

Example:
  decodepool decode --pool-size 8 --transport exec capture-*.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("pool-size") {
				file.Decoder.PoolSize = f.poolSize
			}
			if cmd.Flags().Changed("spawn-backoff") {
				file.Pool.SpawnBackoff = f.spawnBackoff
			}
			if cmd.Flags().Changed("spawn-jitter") {
				file.Pool.SpawnJitter = f.spawnJitter
			}
			if _, err := file.Pool.SpawnStrategy(); err != nil {
				return err
			}
			return runDecode(cmd, g, f, file, logger, args)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&f.poolSize, "pool-size", "n", config.DefaultPoolSize, "Number of decode units")
	flags.BoolVar(&f.autoSize, "auto-size", false, "Size the pool to the number of physical CPU cores")
	flags.StringVar(&f.transport, "transport", transportLocal, "Unit transport (local, pipe, exec)")
	flags.BoolVar(&f.compress, "compress", false, "Compress unit messages with zstd (pipe and exec transports)")
	flags.IntVar(&f.concurrency, "concurrency", 0, "Files decoded at once, 0 means twice the pool size")
	flags.DurationVar(&f.timeout, "timeout", 0, "Per file decode timeout, 0 means none")
	flags.StringVarP(&f.output, "output", "o", "", "Write results to a file instead of stdout")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while decoding")
	flags.BoolVar(&f.trace, "trace", false, "Export decode spans to stderr")
	flags.BoolVar(&f.printStats, "stats", false, "Print pool statistics to stderr when done")
	flags.DurationVar(&f.shutdownWait, "shutdown-timeout", 10*time.Second, "Time allowed for units to exit")
	flags.StringVar(&f.spawnBackoff, "spawn-backoff", "", "Unit spawn retry strategy (fixed, exponential, decorrelated)")
	flags.StringVar(&f.spawnJitter, "spawn-jitter", "", "Jitter applied to spawn retries (none, full, equal, exponential)")
	return cmd
}

func runDecode(cmd *cobra.Command, g *globalFlags, f *decodeFlags, file config.File, logger *zap.Logger, paths []string) error {
	if f.autoSize {
		cores, err := cpu.Counts(false)
		if err != nil || cores < 1 {
			logger.Warn("cannot count CPU cores, keeping pool size", zap.Error(err))
		} else {
			file.Decoder.PoolSize = cores
		}
	}

	// every file is a complete document
	opts := []pool.Option{
		pool.WithIsolatedJobs(true),
		pool.WithLogger(logger),
		pool.WithPoolSettings(file.Pool),
	}

	spawner, closeSpawner, err := newSpawner(f, g, logger)
	if err != nil {
		return err
	}
	defer closeSpawner()
	opts = append(opts, pool.WithSpawner(spawner))

	if f.trace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("trace shutdown", zap.Error(err))
			}
		}()
		opts = append(opts, pool.WithTracer(tp.Tracer("decodepool")))
	}

	var reg *prometheus.Registry
	if f.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, pool.WithListener(metrics.NewListener(reg, "decodepool")))
	}

	m, err := pool.New(file.Decoder, opts...)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.shutdownWait)
		defer cancel()
		if err := m.Terminate(ctx); err != nil {
			logger.Warn("pool terminate", zap.Error(err))
		}
		if f.printStats {
			printStats(cmd.ErrOrStderr(), m.Statistics())
		}
	}()

	if reg != nil {
		reg.MustRegister(metrics.NewStatsCollector("decodepool", m.Statistics))
		stop, err := serveMetrics(f.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	out := cmd.OutOrStdout()
	if f.output != "" {
		fh, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer fh.Close()
		out = fh
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(paths) == 0 {
		return decodeStdin(ctx, m, cmd.InOrStdin(), out)
	}
	return decodeFiles(ctx, m, f, paths, out, logger)
}

// newSpawner builds the spawner for the chosen transport and a function
// releasing its resources
func newSpawner(f *decodeFlags, g *globalFlags, logger *zap.Logger) (unit.Spawner, func(), error) {
	if f.transport == transportLocal {
		return unit.NewLocalSpawner(), func() {}, nil
	}

	cc := message.DefaultCodecConfig()
	cc.Compress = f.compress
	codec, err := message.NewCodec(cc)
	if err != nil {
		return nil, nil, err
	}

	switch f.transport {
	case transportPipe:
		s := unit.NewPipeSpawner(codec)
		s.Logger = logger
		return s, codec.Close, nil
	case transportExec:
		self, err := os.Executable()
		if err != nil {
			codec.Close()
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		args := []string{"unit"}
		if f.compress {
			args = append(args, "--compress")
		}
		if g.configPath != "" {
			args = append(args, "--config", g.configPath)
		}
		return unit.NewExecSpawner(codec, self, args...), codec.Close, nil
	default:
		codec.Close()
		return nil, nil, fmt.Errorf("unknown transport %q", f.transport)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func decodeStdin(ctx context.Context, m *pool.Manager, in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	res := fileResult{File: "-"}
	frames, err := m.Decode(ctx, data)
	if err != nil {
		res.Error = err.Error()
	}
	res.Frames = frames
	if err := json.NewEncoder(out).Encode(res); err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New("decode failed")
	}
	return nil
}

// decodeFiles decodes paths concurrently. Results are written as they
// complete; a file that fails is reported in its line and counted.
func decodeFiles(ctx context.Context, m *pool.Manager, f *decodeFlags, paths []string, out io.Writer, logger *zap.Logger) error {
	limit := f.concurrency
	if limit <= 0 {
		limit = 2 * m.Configuration().PoolSize
	}

	var (
		mu     sync.Mutex
		failed int
	)
	enc := json.NewEncoder(out)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, path := range paths {
		g.Go(func() error {
			res := decodeFile(ctx, m, path, f.timeout)

			mu.Lock()
			defer mu.Unlock()
			if res.Error != "" {
				failed++
				logger.Warn("file not decoded", zap.String("file", path), zap.String("error", res.Error))
			}
			return enc.Encode(res)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}

func decodeFile(ctx context.Context, m *pool.Manager, path string, timeout time.Duration) fileResult {
	res := fileResult{File: path}
	data, err := os.ReadFile(path) //nolint:gosec // paths come from the command line
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	frames, err := m.Decode(ctx, data)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Frames = frames
	return res
}

func printStats(w io.Writer, s pool.Statistics) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s)
}
