package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ocremote/ochub/pkg/client"
	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/spf13/cobra"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

const requestTimeout = 5 * time.Second

// randomText builds a line of 3-20 lorem words
func randomText(r *rand.Rand) string {
	n := 3 + r.Intn(18)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[r.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	pairsUp          atomic.Int64
	textsSent        atomic.Int64
	textsReceived    atomic.Int64
	pingsOK          atomic.Int64
	totalRoundTrip   atomic.Int64 // in microseconds
	connectionErrors atomic.Int64
	pairErrors       atomic.Int64

	// Detailed failure tracking
	sendFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordRoundTrip(rtt time.Duration) {
	s.pingsOK.Add(1)
	s.totalRoundTrip.Add(rtt.Microseconds())
}

// recordFailure classifies a failed request
func (s *Stats) recordFailure(err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
	case errors.Is(err, client.ErrClosed):
		s.disconnections.Add(1)
	default:
		s.sendFailures.Add(1)
	}
}

func (s *Stats) failures() int64 {
	return s.sendFailures.Load() + s.timeouts.Load() + s.disconnections.Load()
}

func (s *Stats) avgRoundTrip() time.Duration {
	n := s.pingsOK.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.totalRoundTrip.Load()/n) * time.Microsecond
}

// PairBot is one owner connection plus the viewer paired with it
type PairBot struct {
	id     int
	owner  *client.Conn
	viewer *client.Conn
	stats  *Stats
	rng    *rand.Rand
}

func dialAndClaim(ctx context.Context, addr, username string) (*client.Conn, error) {
	conn, err := client.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(ctx, username, "load"); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// NewPairBot connects both sides and pairs them
func NewPairBot(id int, serverAddr string, stats *Stats) (*PairBot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	prefix := fmt.Sprintf("load-%d-%d", os.Getpid(), id)

	owner, err := dialAndClaim(ctx, serverAddr, prefix+"-owner")
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, fmt.Errorf("owner: %w", err)
	}

	viewer, err := dialAndClaim(ctx, serverAddr, prefix+"-viewer")
	if err != nil {
		owner.Close()
		stats.connectionErrors.Add(1)
		return nil, fmt.Errorf("viewer: %w", err)
	}

	if err := viewer.Pair(ctx, prefix+"-owner", "load"); err != nil {
		owner.Close()
		viewer.Close()
		stats.pairErrors.Add(1)
		return nil, fmt.Errorf("pair: %w", err)
	}

	stats.pairsUp.Add(1)
	return &PairBot{
		id:     id,
		owner:  owner,
		viewer: viewer,
		stats:  stats,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}, nil
}

// drain counts what the owner receives until the connection ends
func (b *PairBot) drain() {
	for msg := range b.owner.Incoming() {
		if msg.Opcode() == protocol.OpPairText {
			b.stats.textsReceived.Add(1)
		}
	}
}

// step sends one text line to the owner and times one pair ping round trip
func (b *PairBot) step() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := b.viewer.Send(ctx, &protocol.PairTextMessage{Text: randomText(b.rng)}); err != nil {
		b.stats.recordFailure(err)
		return
	}
	b.stats.textsSent.Add(1)

	start := time.Now()
	ping := &protocol.PairPingMessage{Value: uint64(start.UnixNano())}
	if _, err := b.viewer.Request(ctx, ping, protocol.OpPairPong); err != nil {
		b.stats.recordFailure(err)
		return
	}
	b.stats.recordRoundTrip(time.Since(start))
}

// Run drives the pair until the duration expires or stop is closed
func (b *PairBot) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pair %d] PANIC: %v", b.id, r)
		}
	}()

	go b.drain()

	deadline := time.After(duration)
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(b.rng.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-deadline:
			b.Close()
			return
		case <-stop:
			b.Close()
			return
		case <-b.viewer.Done():
			b.stats.disconnections.Add(1)
			b.Close()
			return
		case <-time.After(delay):
			b.step()
		}
	}
}

// Close says goodbye on both connections
func (b *PairBot) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	b.viewer.Goodbye(ctx)
	b.owner.Goodbye(ctx)
}

type loadOptions struct {
	server   string
	pairs    int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

func main() {
	var opts loadOptions

	cmd := &cobra.Command{
		Use:           "loadtest",
		Short:         "Open many owner/viewer pairs against a hub and measure forwarding",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pairs < 1 {
				return fmt.Errorf("--pairs must be at least 1")
			}
			runLoad(opts)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "localhost:6470", "Hub address")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 10, "Number of concurrent owner/viewer pairs")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	cmd.Flags().DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between sends")
	cmd.Flags().DurationVar(&opts.maxDelay, "max-delay", time.Second, "Maximum delay between sends")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runLoad(opts loadOptions) {
	// Ramp up over 25% of test duration
	rampUpDuration := opts.duration / 4
	staggerDelay := max(rampUpDuration/time.Duration(opts.pairs), time.Millisecond)

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", opts.server)
	log.Printf("  Pairs: %d (%d connections)", opts.pairs, opts.pairs*2)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v (%v per pair)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Start stats reporter
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.textsSent.Load()
				log.Printf("Stats: %d pairs, %d texts (%.1f/s), %d failed, %d conn errors, avg rtt %s",
					stats.pairsUp.Load(), sent, float64(sent)/elapsed, stats.failures(),
					stats.connectionErrors.Load(), stats.avgRoundTrip())
			case <-stop:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			stopAll()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewPairBot(id, opts.server, stats)
			if err != nil {
				if id%100 == 0 {
					log.Printf("[Pair %d] %v", id, err)
				}
				return
			}

			// Only log every 100th pair during ramp-up
			if id%100 == 0 {
				log.Printf("[Pair %d] Connected", id)
			}

			bot.Run(opts.duration, opts.minDelay, opts.maxDelay, stop)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stopAll()
	<-reporterDone

	sent := stats.textsSent.Load()
	received := stats.textsReceived.Load()
	rate := float64(sent) / opts.duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", opts.duration)
	log.Printf("Pairs established: %d of %d", stats.pairsUp.Load(), opts.pairs)
	log.Printf("Texts sent: %s (%.1f/s)", humanize.Comma(sent), rate)
	log.Printf("Texts received by owners: %s", humanize.Comma(received))
	log.Printf("Pair pings: %s, avg round trip %s", humanize.Comma(stats.pingsOK.Load()), stats.avgRoundTrip())
	log.Printf("Failures: %d", stats.failures())
	log.Printf("  - Send failures: %d", stats.sendFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Pairing errors: %d", stats.pairErrors.Load())

	if sent > 0 {
		log.Printf("Delivery rate: %.1f%%", float64(received)/float64(sent)*100)
	}
}
