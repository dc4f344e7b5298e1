package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/gateway"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

const requestTimeout = 30 * time.Second

var loadtestCmd = &cobra.Command{
	Use:   "loadtest [flags] [NAME=VALUE...]",
	Short: "Drive a pool class at a fixed request rate",
	Long: `Send requests to a pool class at a fixed rate and report latency and
which application processes served them.

Requests go through the same path as a request handler: START is posted
while the class is down and COMPLETE timings feed the load policy, so a
sustained rate makes the pool grow and a pause lets it shrink.

Example:
  fcgi-pm loadtest --class /srv/bin/fcgi-echo --fifo /run/fcgi-pm/signals -r 200 -d 60s
`,
	Args: cobra.ArbitraryArgs,
	RunE: runLoadtest,
}

func init() {
	d := procmgr.DefaultPoolConfig()

	loadtestCmd.Flags().String("class", "", "Executable path of the pool class")
	loadtestCmd.Flags().String("user", "", "User of the pool class")
	loadtestCmd.Flags().String("group", "", "Group of the pool class")
	loadtestCmd.Flags().String("fifo", "", "Signal pipe of a running fcgi-pm serve")
	loadtestCmd.Flags().String("socket-dir", d.SocketDir, "Socket directory of the pool")
	loadtestCmd.Flags().Duration("connect-timeout", d.ConnectTimeout, "How long a request waits for an instance")
	loadtestCmd.Flags().IntP("rate", "r", 50, "Request rate (req/sec)")
	loadtestCmd.Flags().DurationP("duration", "d", 30*time.Second, "Test duration")
	loadtestCmd.Flags().Int("concurrency", 64, "Maximum requests in flight")
	loadtestCmd.Flags().Int("body-size", 0, "Bytes of request body per request")
	loadtestCmd.Flags().String("pid-header", "X-Echo-Pid", "Response header naming the serving process")
	loadtestCmd.Flags().Duration("report-interval", 5*time.Second, "Progress report interval")
	loadtestCmd.MarkFlagRequired("class")
	loadtestCmd.MarkFlagRequired("fifo")

	rootCmd.AddCommand(loadtestCmd)
}

// loadRun is one configured load test
type loadRun struct {
	gw          *gateway.Gateway
	class       procmgr.ClassID
	params      []fcgi.Pair
	body        string
	pidHeader   string
	limiter     *rate.Limiter
	concurrency int
	stats       *latencyStats
	logger      *slog.Logger
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	log := slog.Default()

	fifo, _ := flags.GetString("fifo")
	poster, err := procmgr.OpenFIFOPoster(fifo)
	if err != nil {
		return err
	}
	defer poster.Close()

	socketDir, _ := flags.GetString("socket-dir")
	connectTimeout, _ := flags.GetDuration("connect-timeout")
	reqRate, _ := flags.GetInt("rate")
	if reqRate <= 0 {
		return errors.New("--rate must be positive")
	}
	concurrency, _ := flags.GetInt("concurrency")
	if concurrency <= 0 {
		return errors.New("--concurrency must be positive")
	}
	bodySize, _ := flags.GetInt("body-size")
	duration, _ := flags.GetDuration("duration")
	interval, _ := flags.GetDuration("report-interval")

	run := &loadRun{
		gw:          gateway.New(procmgr.NewWorkerRegistry(socketDir, connectTimeout), poster, gateway.WithLogger(log)),
		params:      fcgi.PairsFromEnv(args),
		body:        strings.Repeat("x", bodySize),
		limiter:     rate.NewLimiter(rate.Limit(reqRate), reqRate),
		concurrency: concurrency,
		stats:       newLatencyStats(time.Now()),
		logger:      log,
	}
	run.class.Path, _ = flags.GetString("class")
	run.class.User, _ = flags.GetString("user")
	run.class.Group, _ = flags.GetString("group")
	run.pidHeader, _ = flags.GetString("pid-header")

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Load testing %s at %d req/sec for %v\n", run.class, reqRate, duration)

	ctx, cancel := context.WithTimeout(cmd.Context(), duration)
	defer cancel()
	run.Run(ctx, out, interval)

	run.stats.report(out, time.Now())
	return nil
}

// Run issues requests until ctx is done, then waits for the ones in flight
func (r *loadRun) Run(ctx context.Context, progress io.Writer, interval time.Duration) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)

	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					fmt.Fprintln(progress, r.stats.progress(now))
				}
			}
		}()
	}

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.one()
		}()
	}
	wg.Wait()
}

// one runs a single request. It is not bound to the test context so requests
// in flight at the deadline finish and are counted.
func (r *loadRun) one() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.gw.Handle(ctx, &gateway.Request{
		Class:  r.class,
		Params: r.params,
		Stdin:  strings.NewReader(r.body),
	}, io.Discard)
	latency := time.Since(start)

	if err != nil || res.AppStatus != 0 {
		r.stats.failure()
		r.logger.Debug("request failed", "class", r.class.Path, "error", err)
		return
	}
	pid, _ := strconv.Atoi(res.Header.Get(r.pidHeader))
	r.stats.success(latency, res.QueueTime, pid)
}
