// Command feed-monitor keeps a persistent connection to the public
// market-data feed, measures per-message latency against the embedded event
// timestamps, and prints price and latency statistics once per second.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"

	"feedmon/client/websocket"
	"feedmon/stats"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/spf13/pflag"
)

var (
	feedURL = pflag.String("url", "", "Websocket feed URL. By default, the production feed URL is used.")
	symbol  = pflag.String("symbol", "btcusdt", "Symbol to watch when no --stream is given.")
	streams = pflag.StringSlice("stream", nil, "Stream to subscribe to, like btcusdt@aggTrade. This flag can be given multiple times.")

	configFilename = pflag.String("config-file", "", "Optional YAML config file; flags take precedence over it.")

	verbose = pflag.Bool("verbose", false, "Print all connection state transitions.")
)

var (
	red    = color.RedString
	green  = color.GreenString
	cyan   = color.CyanString
	yellow = color.YellowString
)

func main() {
	pflag.Parse()

	os.Exit(run())
}

func run() int {
	cfg := &Config{}
	if *configFilename != "" {
		var err error
		cfg, err = LoadConfig(*configFilename)
		if err != nil {
			log.Printf("Failed to load config: %s", err)
			return 1
		}
	}

	// Flags win over file values
	if *feedURL != "" {
		cfg.URL = *feedURL
	}
	if len(*streams) > 0 {
		cfg.Streams = *streams
	}
	if cfg.Symbol == "" || pflag.CommandLine.Changed("symbol") {
		cfg.Symbol = *symbol
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = defaultStreams(cfg.Symbol)
	}

	client, err := websocket.NewFeedClient(&websocket.FeedClientParams{
		WSParams: &websocket.WSParams{
			URL:         cfg.URL,
			RetryPolicy: cfg.RetryPolicy(),
		},

		Streams: cfg.Streams,
	})
	if err != nil {
		log.Printf("Failed to create feed client: %s", err)
		return 1
	}

	reporter, err := stats.NewReporter(&stats.ReporterParams{
		OnReport: printReport,
	})
	if err != nil {
		log.Printf("Failed to create reporter: %s", err)
		return 1
	}
	defer reporter.Stop()

	// Only depthUpdate events feed the statistics; see
	// stats.ObserveDepthUpdate for what is measured.
	client.OnDepthUpdate(reporter.ObserveDepthUpdate)

	// exhausted is closed when the client has given up reconnecting.
	exhausted := make(chan struct{})
	var exhaustedOnce sync.Once

	var lastError error

	client.OnError(func(err error, disconnecting bool) {
		if errors.Cause(err) == websocket.ErrRetriesExhausted {
			exhaustedOnce.Do(func() { close(exhausted) })
		}

		// If the client is going to disconnect because of that error, just save
		// the error to show later on the disconnection message.
		if disconnecting {
			lastError = err
			return
		}

		// Otherwise, print the error message right away.
		log.Printf("Error: %s", err)
	})

	client.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			causeStr := ""
			if lastError != nil {
				causeStr = fmt.Sprintf(" (%s)", lastError)
				lastError = nil
			}

			switch {
			case state == websocket.ConnStateEstablished:
				log.Printf("%s: %s, session %s", green("established"), client.URL(), client.SessionID())
			case *verbose || causeStr != "":
				log.Printf(
					"State updated: %s -> %s%s",
					websocket.ConnStateNames[oldState],
					websocket.ConnStateNames[state],
					causeStr,
				)
			}
		},
	)

	client.Connect()

	// Setup OS signal handler
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		log.Printf("Closing connection...")
		if err := client.Close(); err != nil {
			log.Printf("Failed to close connection: %s", err)
		}

	case <-exhausted:
		log.Printf("%s", red("Connection attempts exhausted, giving up"))
	}

	log.Printf("Completed")
	return 0
}

// defaultStreams is the set of streams watched when none are configured:
// the 0ms depth feed carries the statistics, and the other two are decoded
// for completeness.
func defaultStreams(symbol string) []string {
	return []string{
		symbol + "@depth@0ms",
		symbol + "@bookTicker",
		symbol + "@aggTrade",
	}
}

// printReport renders one statistics window, mirroring the accumulator
// units: prices in pennies, latency in whole milliseconds.
func printReport(rep stats.Report) {
	if rep.Price.Samples > 0 {
		log.Printf("price: %s", cyan(
			"min: %d¢, max: %d¢, avg: %d¢ (%d prices/s)",
			rep.Price.Lowest, rep.Price.Highest, rep.Price.Avg(), rep.Price.Samples,
		))
	}

	if rep.Latency.Samples > 0 {
		log.Printf("latency: %s", yellow(
			"min: %dms, max: %dms, avg: %dms (%d msg/s)",
			rep.Latency.Lowest/1000, rep.Latency.Highest/1000, rep.Latency.Avg()/1000, rep.Latency.Samples,
		))
	}
}
