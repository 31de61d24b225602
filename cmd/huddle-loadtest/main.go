package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/huddle/pkg/client"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var (
	addr     string
	clients  int
	messages int
	interval time.Duration
	debug    bool

	loremWords = strings.Fields(loremIpsum)

	rootCmd = &cobra.Command{
		Use:   "huddle-loadtest",
		Short: "Drive a huddle server with many chatting clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			return run()
		},
	}
)

type stats struct {
	sent     atomic.Int64
	failed   atomic.Int64
	received atomic.Int64
	latency  atomic.Int64 // summed request latency in microseconds
}

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFormatUnix})

	rootCmd.Flags().StringVar(&addr, "addr", "localhost:7465", "Server address")
	rootCmd.Flags().IntVar(&clients, "clients", 10, "Number of concurrent clients")
	rootCmd.Flags().IntVar(&messages, "messages", 100, "Messages sent per client")
	rootCmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "Delay between messages of one client")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("failed to execute")
	}
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func run() error {
	if clients < 1 {
		return fmt.Errorf("need at least one client")
	}
	tag := strconv.FormatInt(time.Now().Unix()%100000, 10)
	password := "loadtest-pw"

	// Connect and log in every client first so all are online for fan-out
	conns := make([]*client.Client, clients)
	names := make([]string, clients)
	for i := range conns {
		names[i] = fmt.Sprintf("lt%s_%d", tag, i)
		c, err := client.Dial(addr)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Register(names[i], password, names[i]); err != nil {
			return fmt.Errorf("register %s: %w", names[i], err)
		}
		if _, err := c.Login(names[i], password); err != nil {
			return fmt.Errorf("login %s: %w", names[i], err)
		}
		conns[i] = c
	}

	convID, err := conns[0].CreateConversation("loadtest "+tag, names[1:]...)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	log.Info().Int("clients", clients).Int64("conversation", convID).Msg("clients online")

	var st stats
	var wg sync.WaitGroup
	start := time.Now()
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			for n := 0; n < messages; n++ {
				t0 := time.Now()
				if _, err := c.SendMessage(convID, randomMessage()); err != nil {
					st.failed.Add(1)
					log.Debug().Err(err).Str("user", names[i]).Msg("send failed")
				} else {
					st.sent.Add(1)
					st.latency.Add(time.Since(t0).Microseconds())
				}
				st.received.Add(int64(countMessageEvents(c)))
				time.Sleep(interval)
			}
		}(i, c)
	}
	wg.Wait()

	// Let the last broadcasts land
	time.Sleep(500 * time.Millisecond)
	for _, c := range conns {
		st.received.Add(int64(countMessageEvents(c)))
	}

	elapsed := time.Since(start)
	sent := st.sent.Load()
	avg := time.Duration(0)
	if sent > 0 {
		avg = time.Duration(st.latency.Load()/sent) * time.Microsecond
	}
	log.Info().
		Int64("sent", sent).
		Int64("failed", st.failed.Load()).
		Int64("events_received", st.received.Load()).
		Int64("events_expected", sent*int64(clients-1)).
		Dur("avg_latency", avg).
		Dur("elapsed", elapsed).
		Msg("load test finished")
	return nil
}

// countMessageEvents drains queued pushes and counts MESSAGE events
func countMessageEvents(c *client.Client) int {
	n := 0
	for {
		ev, err := c.NextEvent(time.Millisecond)
		if err != nil {
			return n
		}
		if ev.Field(0) == protocol.EventMessage {
			n++
		}
	}
}
