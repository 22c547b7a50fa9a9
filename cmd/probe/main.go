package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	addr        = flag.String("server-addr", "127.0.0.1:2222", "Address of the tarpit server")
	connections = flag.Int("connections", 4, "Number of connections to keep trapped")
	duration    = flag.Duration("duration", 35*time.Second, "How long to stay connected")
	resultFile  = flag.String("write", "result.txt", "File path to write result")
)

type Config struct {
	addr        string
	resultFile  string
	connections int
	duration    time.Duration
}

func main() {
	flag.Parse()

	c := Config{
		addr:        *addr,
		resultFile:  *resultFile,
		connections: *connections,
		duration:    *duration,
	}

	log.Printf("%+v", c)
	if err := run(c); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// Sample is one received banner line: which connection got it, its ordinal
// on that connection, the gap since the previous line and its size.
type Sample struct {
	Conn  int
	Line  int
	Gap   time.Duration
	Bytes int
}

func run(c Config) error {
	ctx, canc := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer canc()
	ctx, timeUp := context.WithTimeout(ctx, c.duration)
	defer timeUp()
	g, ctx := errgroup.WithContext(ctx)

	samples := make(chan Sample, c.connections)

	done := make(chan struct{})

	for i := 0; i < c.connections; i++ {
		id := i
		g.Go(func() error {
			defer func() {
				done <- struct{}{}
			}()
			conn, err := net.Dial("tcp", c.addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			g.Go(func() error {
				<-ctx.Done()
				conn.SetDeadline(time.Now())
				return nil
			})

			r := bufio.NewReader(conn)
			last := time.Now()
			for line := 0; ; line++ {
				data, err := r.ReadBytes('\n')
				if errors.Is(err, os.ErrDeadlineExceeded) {
					return nil
				} else if err != nil {
					return err
				}
				now := time.Now()
				select {
				case <-ctx.Done():
					return nil
				case samples <- Sample{
					Conn:  id,
					Line:  line,
					Gap:   now.Sub(last),
					Bytes: len(data),
				}:
				}
				last = now
			}
		})
	}

	g.Go(func() error {
		defer canc()
		for i := 0; i < c.connections; i++ {
			<-done
		}
		return nil
	})

	g.Go(func() error {
		f, err := os.Create(c.resultFile)
		if err != nil {
			return err
		}
		defer f.Close()
		n := 0
		for {
			select {
			case <-ctx.Done():
				log.Printf("collected %d lines", n)
				return nil
			case sample := <-samples:
				_, err := fmt.Fprintf(f, "%d;%d;%d;%d\n",
					sample.Conn,
					sample.Line,
					sample.Gap.Microseconds(),
					sample.Bytes,
				)
				if err != nil {
					log.Print(err)
					continue
				}
				n += 1
			}
		}
	})

	return g.Wait()
}
