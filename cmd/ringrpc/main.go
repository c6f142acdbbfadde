// Command ringrpc serves the demo Arith service and calls ring-rpc methods from the shell.
//
//	ringrpc serve --config ringrpc.yaml
//	ringrpc call --addr 127.0.0.1:8080 Arith.Add '{"A":1,"B":2}'
//	ringrpc call --addr 127.0.0.1:8080 Arith.Sum 1 2
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ring-rpc/client"
	"ring-rpc/config"
	"ring-rpc/logging"
	"ring-rpc/middleware"
	"ring-rpc/registry"
	"ring-rpc/rpcerr"
	"ring-rpc/server"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/urfave/cli"
)

var log = logging.GetLogger("ringrpc")

const version = "0.2.0"

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if level := c.GlobalString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}

// openRegistry returns the etcd registry when cfg names etcd endpoints, the static one otherwise.
func openRegistry(cfg *config.Config) (registry.Registry, func(), error) {
	if len(cfg.Etcd) == 0 {
		return registry.NewStaticRegistryFrom(cfg.Endpoints), func() {}, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd, cfg.Prefix)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { _ = reg.Close() }, nil
}

func serveCommand(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}
	reg, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	defer closeRegistry()

	r := metrics.NewRegistry()
	srv := server.NewServer(cfg.ServerOptions(r))
	if err := srv.Register(&Arith{}); err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	srv.Use(middleware.Recover())
	srv.Use(middleware.Logging())
	srv.Use(middleware.Metrics(r))
	if rate := c.Float64("rate"); rate > 0 {
		srv.Use(middleware.RateLimit(rate, c.Int("burst")))
	}
	srv.Use(middleware.Timeout(cfg.CallTimeout))

	served := make(chan error, 1)
	go func() { served <- srv.Serve("tcp", cfg.Listen, cfg.AdvertiseAddr(), reg) }()
	fmt.Fprintln(os.Stderr, Green("serving Arith on "+cfg.Listen))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Noticef("received %s, shutting down", sig)
	case err := <-served:
		if err != nil {
			return cli.NewExitError(Red(err.Error()), 1)
		}
		return nil
	}

	err = srv.Shutdown(c.Duration("grace"))
	if c.Bool("metrics") {
		metrics.WriteOnce(r, os.Stderr)
	}
	if err != nil {
		return cli.NewExitError(Yellow(err.Error()), 1)
	}
	return <-served
}

func callCommand(c *cli.Context) (err error) {
	if c.NArg() < 1 {
		return cli.NewExitError(Red("usage: ringrpc call Service.Method [json-argument...]"), 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	serviceMethod := c.Args().Get(0)
	args := make([]any, 0, c.NArg()-1)
	for _, a := range c.Args().Tail() {
		arg := json.RawMessage(a)
		if !json.Valid(arg) {
			return cli.NewExitError(Red("argument is not valid JSON: "+a), 1)
		}
		args = append(args, arg)
	}

	// --addr bypasses discovery for the named service
	if addr := c.String("addr"); addr != "" {
		cfg.Etcd = nil
		if cfg.Endpoints == nil {
			cfg.Endpoints = make(map[string][]string)
		}
		cfg.Endpoints[serviceName(serviceMethod)] = []string{addr}
	}
	reg, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	defer closeRegistry()

	r := metrics.NewRegistry()
	opts, err := cfg.ClientOptions(r)
	if err != nil {
		return cli.NewExitError(Red(err.Error()), 1)
	}
	cl := client.NewClient(reg, opts)
	defer cl.Close()

	callOpts := []client.CallOption{client.WithRetry(c.Int("retries"), 50*time.Millisecond)}
	if key := c.String("key"); key != "" {
		callOpts = append(callOpts, client.WithRoutingKey(key))
	}
	if v := c.String("version"); v != "" {
		callOpts = append(callOpts, client.WithVersion(v))
	}
	if d := c.Duration("timeout"); d > 0 {
		callOpts = append(callOpts, client.WithTimeout(d))
	}

	var reply json.RawMessage
	start := time.Now()
	err = cl.Method(serviceMethod, len(args), callOpts...).Call(context.Background(), &reply, args...)
	elapsed := time.Since(start).Round(time.Microsecond)
	if err != nil {
		var remote *rpcerr.RemoteError
		if errors.As(err, &remote) {
			return cli.NewExitError(Yellow(serviceMethod+" failed: ")+remote.Message, 2)
		}
		return cli.NewExitError(Red(err.Error()), 1)
	}
	fmt.Println(Cyan(string(reply)))
	fmt.Fprintln(os.Stderr, Green(fmt.Sprintf("%s ok in %s", serviceMethod, elapsed)))
	if c.Bool("metrics") {
		metrics.WriteOnce(r, os.Stderr)
	}
	return nil
}

func serviceName(serviceMethod string) string {
	if dot := strings.LastIndex(serviceMethod, "."); dot > 0 {
		return serviceMethod[:dot]
	}
	return serviceMethod
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ringrpc"
	app.Usage = "serve and call ring-rpc services"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML config file",
			EnvVar: config.EnvPrefix + "_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO or DEBUG",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Serve the Arith demo service until interrupted",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "Listen address, overrides the config",
				},
				cli.Float64Flag{
					Name:  "rate",
					Usage: "Requests per second admitted across all connections (0 is unlimited)",
				},
				cli.IntFlag{
					Name:  "burst",
					Value: 100,
					Usage: "Rate limiter burst",
				},
				cli.DurationFlag{
					Name:  "grace",
					Value: 5 * time.Second,
					Usage: "How long shutdown waits for in-flight requests",
				},
				cli.BoolFlag{
					Name:  "metrics",
					Usage: "Print server metrics on exit",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "Invoke Service.Method with JSON arguments and print the JSON result",
			ArgsUsage: "Service.Method [json-argument...]",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "Call this endpoint instead of discovering one",
				},
				cli.StringFlag{
					Name:  "key, k",
					Usage: "Routing key for the consistent-hash balancer",
				},
				cli.StringFlag{
					Name:  "version",
					Usage: "Semver range the instance must satisfy, e.g. \">=1.2.0 <2.0.0\"",
				},
				cli.DurationFlag{
					Name:  "timeout, t",
					Usage: "Call timeout, overrides the config",
				},
				cli.IntFlag{
					Name:  "retries",
					Usage: "Retries on connect failure",
				},
				cli.BoolFlag{
					Name:  "metrics",
					Usage: "Print client metrics after the call",
				},
			},
			Action: callCommand,
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
