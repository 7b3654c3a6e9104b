package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganszeto/linekv/internal/protocol"
)

type benchConfig struct {
	addr      string
	clients   int
	ops       int
	ratioGet  float64
	valueSize int
	keySpace  int
	ttl       time.Duration
}

var bc benchConfig

var rootCmd = &cobra.Command{
	Use:          "kv-bench",
	Short:        "load generator for kv-server",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if bc.clients <= 0 || bc.ops <= 0 || bc.keySpace <= 0 {
			return fmt.Errorf("clients, ops and keys must be > 0")
		}
		res := runBench(bc)
		res.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&bc.addr, "addr", "127.0.0.1:6380", "server address")
	f.IntVar(&bc.clients, "clients", 10, "concurrent connections")
	f.IntVar(&bc.ops, "ops", 10000, "total operations")
	f.Float64Var(&bc.ratioGet, "ratio-get", 0.8, "fraction of operations that are GET")
	f.IntVar(&bc.valueSize, "value-size", 128, "value size in bytes")
	f.IntVar(&bc.keySpace, "keys", 1000, "number of distinct keys")
	f.DurationVar(&bc.ttl, "ttl", 0, "expiry attached to every SET (PX); 0 writes without expiry")
}

type result struct {
	ops     int64
	errors  int64
	elapsed time.Duration
	lats    []time.Duration
}

func runBench(c benchConfig) result {
	value := strings.Repeat("x", c.valueSize)
	setSuffix := ""
	if c.ttl > 0 {
		setSuffix = fmt.Sprintf(" PX %d", c.ttl.Milliseconds())
	}
	keys := make([]string, c.keySpace)
	for i := range keys {
		keys[i] = fmt.Sprintf("key:%d", i)
	}

	var opsDone, errCount atomic.Int64
	latCh := make(chan time.Duration, c.ops)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < c.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", c.addr)
			if err != nil {
				errCount.Add(1)
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)
			writer := bufio.NewWriter(conn)
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			for {
				idx := int(opsDone.Add(1)) - 1
				if idx >= c.ops {
					return
				}
				key := keys[rng.Intn(len(keys))]
				line := "GET " + key
				if rng.Float64() >= c.ratioGet {
					line = "SET " + key + " " + value + setSuffix
				}
				startOp := time.Now()
				if _, err := writer.WriteString(line + "\n"); err != nil {
					errCount.Add(1)
					return
				}
				if err := writer.Flush(); err != nil {
					errCount.Add(1)
					return
				}
				resp, err := protocol.ReadResponse(reader)
				if err != nil {
					errCount.Add(1)
					return
				}
				if resp.Kind == protocol.KindError {
					errCount.Add(1)
				}
				latCh <- time.Since(startOp)
			}
		}(i)
	}

	wg.Wait()
	close(latCh)

	res := result{elapsed: time.Since(start), errors: errCount.Load()}
	for d := range latCh {
		res.lats = append(res.lats, d)
	}
	res.ops = int64(len(res.lats))
	return res
}

func (r result) print(w io.Writer) {
	fmt.Fprintf(w, "Total ops: %d\n", r.ops)
	fmt.Fprintf(w, "Errors: %d\n", r.errors)
	fmt.Fprintf(w, "Elapsed: %s\n", r.elapsed)
	if r.elapsed > 0 {
		fmt.Fprintf(w, "Ops/sec: %.2f\n", float64(r.ops)/r.elapsed.Seconds())
	}
	if len(r.lats) == 0 {
		fmt.Fprintln(w, "No latency samples")
		return
	}
	sort.Slice(r.lats, func(i, j int) bool { return r.lats[i] < r.lats[j] })
	fmt.Fprintf(w, "p50: %s\n", percentile(r.lats, 50))
	fmt.Fprintf(w, "p95: %s\n", percentile(r.lats, 95))
	fmt.Fprintf(w, "p99: %s\n", percentile(r.lats, 99))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	return sorted[len(sorted)*p/100]
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
