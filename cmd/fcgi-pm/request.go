package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/gateway"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

var requestCmd = &cobra.Command{
	Use:   "request [flags] [NAME=VALUE...]",
	Short: "Send one request to an application process",
	Long: `Send one request and write the response body to stdout.

With --address the request goes straight to a listening socket. With --class
it goes through the pool: the dynamic class socket is resolved under
--socket-dir, START is posted on --fifo when needed, and the timings are
reported back as COMPLETE.

Example:
  fcgi-pm request --address /tmp/app.sock SCRIPT_NAME=/index REQUEST_METHOD=GET
  echo hello | fcgi-pm request --class /srv/bin/app.fcgi --fifo /run/fcgi-pm/signals --stdin
`,
	Args: cobra.ArbitraryArgs,
	RunE: runRequest,
}

func init() {
	d := procmgr.DefaultPoolConfig()

	requestCmd.Flags().String("network", "unix", "Network of --address (unix or tcp)")
	requestCmd.Flags().String("address", "", "Address of a listening application process")
	requestCmd.Flags().String("class", "", "Executable path of a pool class")
	requestCmd.Flags().String("user", "", "User of the pool class")
	requestCmd.Flags().String("group", "", "Group of the pool class")
	requestCmd.Flags().String("fifo", "", "Signal pipe of a running fcgi-pm serve")
	requestCmd.Flags().String("socket-dir", d.SocketDir, "Socket directory of the pool")
	requestCmd.Flags().String("role", "responder", "Role (responder, authorizer, filter)")
	requestCmd.Flags().Bool("stdin", false, "Send standard input as the request body")
	requestCmd.Flags().StringSlice("inherit", nil, "Environment variables to pass through as params")
	requestCmd.Flags().BoolP("include", "i", false, "Print response headers before the body")
	requestCmd.Flags().Duration("timeout", 30*time.Second, "Timeout for the whole request")
	requestCmd.Flags().Duration("connect-timeout", d.ConnectTimeout, "How long to wait for a pool class to come up")
}

func parseRole(s string) (fcgi.Role, error) {
	switch strings.ToLower(s) {
	case "responder", "":
		return fcgi.RoleResponder, nil
	case "authorizer":
		return fcgi.RoleAuthorizer, nil
	case "filter":
		return fcgi.RoleFilter, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

func runRequest(cmd *cobra.Command, args []string) error {
	log := slog.Default()
	flags := cmd.Flags()

	roleName, _ := flags.GetString("role")
	role, err := parseRole(roleName)
	if err != nil {
		return err
	}
	inherit, _ := flags.GetStringSlice("inherit")
	params := append(fcgi.InheritedPairs(inherit...), fcgi.PairsFromEnv(args)...)

	var stdin io.Reader
	if useStdin, _ := flags.GetBool("stdin"); useStdin {
		stdin = cmd.InOrStdin()
	}

	timeout, _ := flags.GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	include, _ := flags.GetBool("include")
	out := cmd.OutOrStdout()
	var body bytes.Buffer
	sink := out
	if include {
		sink = &body
	}

	address, _ := flags.GetString("address")
	class, _ := flags.GetString("class")

	var resp *fcgi.Response
	switch {
	case address != "":
		network, _ := flags.GetString("network")
		resp, err = fcgi.NewClient(log).Do(ctx, network, address, &fcgi.ClientRequest{
			Role:   role,
			Params: params,
			Stdin:  stdin,
		}, sink)
	case class != "":
		resp, err = requestThroughPool(ctx, cmd, &gateway.Request{
			Role:   role,
			Params: params,
			Stdin:  stdin,
		}, sink)
	default:
		return errors.New("one of --address or --class is required")
	}
	if err != nil {
		return err
	}

	for _, line := range resp.Stderr {
		log.Warn("application stderr", "line", line)
	}
	if include {
		writeHeader(out, resp)
		if _, err := body.WriteTo(out); err != nil {
			return err
		}
	}
	log.Debug("request complete",
		"app_status", resp.AppStatus,
		"protocol_status", resp.ProtocolStatus.String(),
		"bytes", resp.BodyBytes)

	if resp.AppStatus != 0 {
		return fmt.Errorf("application returned status %d", resp.AppStatus)
	}
	return nil
}

func requestThroughPool(ctx context.Context, cmd *cobra.Command, req *gateway.Request, stdout io.Writer) (*fcgi.Response, error) {
	flags := cmd.Flags()
	fifo, _ := flags.GetString("fifo")
	if fifo == "" {
		return nil, errors.New("--class needs --fifo to reach the pool manager")
	}
	poster, err := procmgr.OpenFIFOPoster(fifo)
	if err != nil {
		return nil, err
	}
	defer poster.Close()

	socketDir, _ := flags.GetString("socket-dir")
	connectTimeout, _ := flags.GetDuration("connect-timeout")
	req.Class.Path, _ = flags.GetString("class")
	req.Class.User, _ = flags.GetString("user")
	req.Class.Group, _ = flags.GetString("group")

	gw := gateway.New(procmgr.NewWorkerRegistry(socketDir, connectTimeout), poster)
	res, err := gw.Handle(ctx, req, stdout)
	if err != nil {
		return nil, err
	}
	slog.Debug("pool request timings",
		"class", req.Class.Path,
		"address", res.Endpoint.Address,
		"queue", res.QueueTime,
		"run", res.RunTime)
	return res.Response, nil
}

func writeHeader(w io.Writer, resp *fcgi.Response) {
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(w, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprint(w, "\r\n")
}
