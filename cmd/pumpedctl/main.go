// Command pumpedctl exercises a scope from the command line: resolving a
// demo dependency graph, printing it, or running a one-shot health check.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	pumped "github.com/pumped-run/pumped-go"
	"github.com/pumped-run/pumped-go/extensions"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "pumpedctl",
		Short: "Inspect and drive a pumped scope from the command line",
	}

	root.AddCommand(newRunCmd(), newGraphCmd(), newDoctorCmd(), newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// envGraceMs reads a millisecond duration from the named environment
// variable, returning ok=false if it is unset or not a valid integer.
func envGraceMs(name string) (time.Duration, bool) {
	raw, set := os.LookupEnv(name)
	if !set {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s=%q: %v\n", name, raw, err)
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// scopeOptionsFromEnv translates PUMPED_GC_GRACE_MS/PUMPED_DISPOSE_GRACE_MS
// into ScopeOptions, enabling GC whenever a grace period is supplied.
func scopeOptionsFromEnv() []pumped.ScopeOption {
	var opts []pumped.ScopeOption
	if d, ok := envGraceMs("PUMPED_GC_GRACE_MS"); ok {
		opts = append(opts, pumped.WithGCEnabled(true), pumped.WithGCGracePeriod(d))
	}
	if d, ok := envGraceMs("PUMPED_DISPOSE_GRACE_MS"); ok {
		opts = append(opts, pumped.WithDisposeGracePeriod(d))
	}
	return opts
}

func demoScope(extraOpts ...pumped.ScopeOption) (*pumped.Scope, *pumped.Executor[string]) {
	nameTag := pumped.NewTag[string]("executor.name")

	config := pumped.Provide(
		func(ctx *pumped.ResolveCtx) (string, error) { return "local", nil },
		pumped.WithTag(nameTag, "Config"),
	)
	service := pumped.Derive1(
		config.Reactive(),
		func(ctx *pumped.ResolveCtx, cfg *pumped.Controller[string]) (string, error) {
			val, err := cfg.Get()
			if err != nil {
				return "", err
			}
			return "service[" + val + "]", nil
		},
		pumped.WithTag(nameTag, "Service"),
	)

	opts := append([]pumped.ScopeOption{pumped.WithExtension(extensions.NewLoggingExtension())}, extraOpts...)
	scope := pumped.NewScope(opts...)
	return scope, service
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Resolve the demo scope and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, service := demoScope(scopeOptionsFromEnv()...)
			defer scope.Dispose()

			val, err := pumped.Resolve(scope, service)
			if err != nil {
				return fmt.Errorf("resolve failed: %w", err)
			}
			fmt.Println(val)
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Resolve the demo scope and print its dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, service := demoScope(scopeOptionsFromEnv()...)
			defer scope.Dispose()

			if _, err := pumped.Resolve(scope, service); err != nil {
				return fmt.Errorf("resolve failed: %w", err)
			}

			for parent, children := range scope.ExportDependencyGraph() {
				fmt.Printf("%v -> %v\n", parent, children)
			}
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Resolve the demo scope and report atom state and pool hit/miss counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			pm := pumped.GetGlobalPoolManager()
			pm.ResetMetrics()

			scope, service := demoScope(scopeOptionsFromEnv()...)
			defer scope.Dispose()

			if _, err := pumped.Resolve(scope, service); err != nil {
				fmt.Printf("state: failed (%v)\n", err)
				return nil
			}
			fmt.Println("state: resolved")

			m := pm.GetMetrics()
			fmt.Printf("pool resolveCtx: %d hits / %d misses\n", m.ResolveCtxHits(), m.ResolveCtxMisses())
			fmt.Printf("pool executionCtx: %d hits / %d misses\n", m.ExecutionCtxHits(), m.ExecutionCtxMisses())
			fmt.Printf("pool extensions: %d hits / %d misses\n", m.ExtensionHits(), m.ExtensionMisses())
			fmt.Printf("pool cleanups: %d hits / %d misses\n", m.CleanupHits(), m.CleanupMisses())
			return nil
		},
	}
}

// newServeCmd exposes the demo scope's Prometheus metrics over HTTP,
// resolving once up front and then serving /metrics until interrupted.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Resolve the demo scope and expose its metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			metricsExt := extensions.NewMetricsExtension(reg)

			opts := append([]pumped.ScopeOption{pumped.WithExtension(metricsExt)}, scopeOptionsFromEnv()...)
			scope, service := demoScope(opts...)
			defer scope.Dispose()

			if _, err := pumped.Resolve(scope, service); err != nil {
				return fmt.Errorf("resolve failed: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			fmt.Printf("serving metrics on %s/metrics\n", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "address to listen on")
	return cmd
}
