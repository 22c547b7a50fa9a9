package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alarmfox/tarpit/internal/trap"
	"golang.org/x/sync/errgroup"
)

// readiness tokens; metric clients occupy metricClientBase and up
const (
	tarpitToken      trap.Token = 0
	metricsToken     trap.Token = 1
	metricClientBase trap.Token = 2
)

var (
	listenAddress  = flag.String("listen", "ip:0.0.0.0:2222", `Tarpit listen address ("ip:<host:port>" or "unix:<path>")`)
	metricsAddress = flag.String("metrics", "disabled", `Metrics listen address ("disabled", "ip:<host:port>" or "unix:<path>")`)
	lineLength     = flag.Int("line-length", 32, "Random bytes per banner line")
	maxClients     = flag.Int("max-clients", 4096, "Maximum simultaneous trapped connections")
	messageDelay   = flag.Duration("delay", 10*time.Second, "Delay between banner lines per connection")
	metricClients  = flag.Int("metrics-max-clients", 3, "Maximum simultaneous metrics connections")
	newlineStyle   = flag.String("newline", "lf", `Banner line terminator ("lf" or "crlf")`)
	statusInterval = flag.Duration("status-interval", 0, "Period between resource status log lines (0 disables)")
)

type Config struct {
	listenAddress  string
	metricsAddress string
	lineLength     int
	maxClients     int
	messageDelay   time.Duration
	metricClients  int
	newlineStyle   string
	statusInterval time.Duration
}

func main() {
	flag.Parse()

	c := Config{
		listenAddress:  *listenAddress,
		metricsAddress: *metricsAddress,
		lineLength:     *lineLength,
		maxClients:     *maxClients,
		messageDelay:   *messageDelay,
		metricClients:  *metricClients,
		newlineStyle:   *newlineStyle,
		statusInterval: *statusInterval,
	}

	log.Printf("%+v", c)
	if err := run(c); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run(c Config) error {
	newline, err := trap.ParseNewline(c.newlineStyle)
	if err != nil {
		return err
	}
	tarpitAddr, err := trap.ParseListenAddr(c.listenAddress)
	if err != nil {
		return err
	}
	if tarpitAddr.Disabled() {
		return errors.New("tarpit listener cannot be disabled")
	}
	metricsAddr, err := trap.ParseListenAddr(c.metricsAddress)
	if err != nil {
		return err
	}

	poller, err := trap.NewPoller()
	if err != nil {
		return err
	}
	defer poller.Close()

	ln, err := trap.Listen(tarpitAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	stats := trap.NewStats(time.Now())
	server, err := trap.NewServer(trap.Options{
		MaxClients:       c.maxClients,
		BannerLineLength: c.lineLength,
		MessageDelay:     c.messageDelay,
		Newline:          newline,
	}, ln, tarpitToken, poller, stats)
	if err != nil {
		return err
	}
	log.Printf("trapping connections on %s", ln.Addr())

	var metrics *trap.MetricServer
	if !metricsAddr.Disabled() {
		mln, err := trap.Listen(metricsAddr)
		if err != nil {
			return err
		}
		defer mln.Close()
		metrics, err = trap.NewMetricServer(mln, metricsToken, metricClientBase, c.metricClients, poller, stats)
		if err != nil {
			return err
		}
		log.Printf("serving metrics on %s", mln.Addr())
	}

	loop, err := trap.NewLoop(poller, server, metrics)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	if c.statusInterval > 0 {
		reporter, err := trap.NewReporter(stats, c.statusInterval)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return reporter.Run(ctx)
		})
	}
	return g.Wait()
}
