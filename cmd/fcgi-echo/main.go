// fcgi-echo is a small application process for exercising a pool. It answers
// every request with its params and body.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
)

var rootCmd = &cobra.Command{
	Use:   "fcgi-echo",
	Short: "Echo application process",
	Long: `fcgi-echo serves the record protocol and echoes each request back.

Started by fcgi-pm it accepts on the listening socket inherited as
descriptor 0. With --listen it opens its own socket instead.`,
	SilenceUsage: true,
	RunE:         runEcho,
}

func init() {
	rootCmd.Flags().String("network", "unix", "Network of --listen (unix or tcp)")
	rootCmd.Flags().String("listen", "", "Listen address instead of descriptor 0")
	rootCmd.Flags().Int("max-conns", 1, "Value reported for FCGI_MAX_CONNS")
	rootCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func runEcho(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	logLevel := slog.LevelInfo
	if verbose, _ := flags.GetBool("verbose"); verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	l, err := listen(cmd)
	if err != nil {
		return err
	}

	maxConns, _ := flags.GetInt("max-conns")
	srv := &fcgi.Server{
		Handler:  fcgi.HandlerFunc(echo),
		Logger:   logger,
		MaxConns: maxConns,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, func() { l.Close() })

	logger.Info("fcgi-echo serving", "pid", os.Getpid(), "addr", l.Addr().String())
	return srv.Serve(l)
}

func listen(cmd *cobra.Command) (net.Listener, error) {
	addr, _ := cmd.Flags().GetString("listen")
	if addr == "" {
		return fcgi.ListenerFromStdin()
	}
	network, _ := cmd.Flags().GetString("network")
	return net.Listen(network, addr)
}

// echo writes a plain text response listing the params in name order
// followed by the request body
func echo(req *fcgi.Request, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	params := make([]fcgi.Pair, len(req.Params))
	copy(params, req.Params)
	sort.SliceStable(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	fmt.Fprintf(stdout, "Content-Type: text/plain\r\nX-Echo-Pid: %d\r\n\r\n", os.Getpid())
	fmt.Fprintf(stdout, "role=%s\n", req.Role)
	for _, p := range params {
		fmt.Fprintf(stdout, "%s=%s\n", p.Name, p.Value)
	}
	n, err := io.Copy(stdout, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "reading stdin after %d bytes: %v\n", n, err)
		return 1
	}
	if _, ok := req.Param("ECHO_FAIL"); ok {
		fmt.Fprintln(stderr, "failing on request")
		return 2
	}
	return 0
}
