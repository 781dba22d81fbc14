// cmd/cachegrand-inspect is a small CLI that polls a running
// cachegrand-server's /metrics endpoint and prints selected counters,
// either once or on a watch interval. It also has a pprof-download mode;
// cachegrand-server itself serves only /metrics, not pprof.
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by GoReleaser.
//
// © 2025 cachegrand-go authors. MIT License.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

var version = "dev"

type options struct {
	target           string
	watch            bool
	interval         time.Duration
	heapProfile      string
	goroutineProfile string
	showVersion      bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:9090", "base URL of the cachegrand-server metrics endpoint")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single read")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval when -watch is set")
	flag.StringVar(&opts.heapProfile, "heap-profile", "", "download /debug/pprof/heap to this file and exit")
	flag.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download /debug/pprof/goroutine to this file and exit")
	flag.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.heapProfile != "" {
		if err := downloadProfile(ctx, opts.target, "heap", opts.heapProfile); err != nil {
			fatal(err)
		}
		return
	}
	if opts.goroutineProfile != "" {
		if err := downloadProfile(ctx, opts.target, "goroutine", opts.goroutineProfile); err != nil {
			fatal(err)
		}
		return
	}

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options) error {
	families, err := fetchMetrics(ctx, opts.target)
	if err != nil {
		return err
	}
	return printSelected(families)
}

// fetchMetrics pulls the Prometheus text exposition format from
// target+"/metrics" and parses it with prometheus/common/expfmt — already
// an indirect dependency of client_golang, promoted here to direct use
// rather than hand-rolling a parser for a format the ecosystem already
// reads.
func fetchMetrics(ctx context.Context, target string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/metrics", nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}

	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(res.Body)
}

var wantedMetrics = []string{
	"cachegrand_uptime",
	"cachegrand_db_keys_count",
	"cachegrand_db_size",
	"cachegrand_network_accepted_connections",
	"cachegrand_network_active_connections",
}

func printSelected(families map[string]*dto.MetricFamily) error {
	for _, name := range wantedMetrics {
		fam, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%s", l.GetName(), l.GetValue()))
			}
			fmt.Printf("%-45s %10.2f  {%s}\n", name, m.GetGauge().GetValue(), strings.Join(labels, ","))
		}
	}
	return nil
}

func downloadProfile(ctx context.Context, base, name, path string) error {
	url := fmt.Sprintf("%s/debug/pprof/%s", base, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, res.Body); err != nil {
		return err
	}
	fmt.Printf("%s profile saved to %s\n", name, path)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cachegrand-inspect:", err)
	os.Exit(1)
}
