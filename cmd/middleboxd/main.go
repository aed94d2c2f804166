// Command middleboxd runs the NIC load-balancing control loop standalone:
// it programs a NIC's RSS indirection table and rebalances it against
// observed per-core load, the daemon counterpart of fastclick's
// NICScheduler element run outside of a full element graph.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tbarbette/go-middlebox/cfg"
	"github.com/tbarbette/go-middlebox/nicsched"
	"github.com/tbarbette/go-middlebox/nicsched/device"
	"github.com/tbarbette/go-middlebox/printer"
)

var (
	configFlag      string
	ifaceFlag       string
	usedCoresFlag   string
	spareCoresFlag  string
	bucketsFlag     int
	metricsAddrFlag string
	logFormatFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "middleboxd",
	Short:         "Runs the NIC RSS++ scheduler against a live interface.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFlag, "config", "", "path to middleboxd.yaml (defaults to $HOME/.middleboxd/middleboxd.yaml)")
	flags.StringVar(&ifaceFlag, "interface", "eth0", "network interface whose RETA is programmed")
	flags.StringVar(&usedCoresFlag, "cores", "0", "comma-separated list of core IDs initially receiving traffic")
	flags.StringVar(&spareCoresFlag, "available-cores", "", "comma-separated list of core IDs autoscale may bring into service")
	flags.IntVar(&bucketsFlag, "buckets", 256, "RETA table size, overridden by nicscheduler.buckets in config")
	flags.StringVar(&metricsAddrFlag, "metrics-addr", ":9100", "address the Prometheus metrics endpoint listens on")
	flags.StringVar(&logFormatFlag, "log-format", "text", "log output format: text or json (for a log collector when running unattended)")

	cfg.BindElementFlags(viperForFlags, flags)
}

// viperForFlags is bound to at init time, before any command runs;
// run loads the element config through this same instance.
var viperForFlags = cfg.NewElementViper()

func parseCoreList(s string) ([]nicsched.CoreID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	cores := make([]nicsched.CoreID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(err, "middleboxd: invalid core id %q", p)
		}
		cores = append(cores, nicsched.CoreID(n))
	}
	return cores, nil
}

func run(cmd *cobra.Command, args []string) error {
	switch logFormatFlag {
	case "json":
		printer.SwitchToJSON()
	case "text", "":
		// default printer already writes plain leveled text.
	default:
		return errors.Errorf("middleboxd: unknown --log-format %q (want text or json)", logFormatFlag)
	}

	usedCores, err := parseCoreList(usedCoresFlag)
	if err != nil {
		return err
	}
	availableCores, err := parseCoreList(spareCoresFlag)
	if err != nil {
		return err
	}
	if len(usedCores) == 0 {
		return errors.New("middleboxd: at least one core must be given via --cores")
	}

	els, err := cfg.LoadElementConfig(viperForFlags, configFlag, bucketsFlag)
	if err != nil {
		return errors.Wrap(err, "middleboxd: failed to load configuration")
	}

	reta, err := device.NewIoctlReta(ifaceFlag)
	if err != nil {
		return errors.Wrapf(err, "middleboxd: failed to open RETA on %s", ifaceFlag)
	}
	dev, err := device.New(reta, nil)
	if err != nil {
		return errors.Wrap(err, "middleboxd: failed to construct device")
	}

	sched := nicsched.New(els.NICSched, dev, nil, usedCores, availableCores)
	loadSource := newProcStatLoadSource(usedCores)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := startMetricsServer(metricsAddrFlag)
	defer srv.Close()

	printer.Infof("middleboxd: scheduling interface %s across cores %v, policy %v\n", ifaceFlag, usedCores, els.NICSched.Policy)
	return tickLoop(ctx, sched, loadSource)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printer.Errorf("middleboxd: metrics server stopped: %v\n", err)
		}
	}()
	return srv
}

// loadSampler is the subset of procStatLoadSource's interface the tick
// loop depends on, so it can be exercised with a fake in tests.
type loadSampler interface {
	Sample() (map[nicsched.CoreID]float64, error)
}

// tickLoop drives the scheduler's control loop at the interval it asks
// for after every pass, until ctx is cancelled.
func tickLoop(ctx context.Context, sched *nicsched.Scheduler, loads loadSampler) error {
	for {
		sample, err := loads.Sample()
		if err != nil {
			printer.Warningf("middleboxd: failed to sample core load: %v\n", err)
		} else if err := sched.Tick(sample); err != nil {
			printer.Errorf("middleboxd: tick failed: %v\n", err)
		}

		select {
		case <-ctx.Done():
			printer.Infoln("middleboxd: shutting down")
			return nil
		case <-time.After(sched.NextTick()):
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printer.Stderr.Errorf("%s\n", err)
		os.Exit(1)
	}
}
