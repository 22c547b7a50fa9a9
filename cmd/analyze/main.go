package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	inputDirectory = flag.String("input-directory", "", "Directory of probe result files")
	outputFile     = flag.String("output-file", "", "Output file")
	concurrency    = flag.Uint("concurrency", 1, "Number of files to analyze concurrently")
)

var (
	header = []string{
		"file",
		"connections",
		"lines",
		"bytes",
		"mean_gap_ms",
		"stddev_gap_ms",
		"min_gap_ms",
		"max_gap_ms",
	}
)

type Config struct {
	inputDirectory string
	outputFile     string
	concurrency    uint
}

// Record summarizes one probe run: how many connections and banner lines
// it saw and the distribution of gaps between consecutive lines. The gap
// of each connection's first line is excluded since it measures time to
// first banner, not the delay between lines.
type Record struct {
	file        string
	connections int
	lines       int
	bytes       int
	meanGapMs   float64
	stddevGapMs float64
	minGapMs    float64
	maxGapMs    float64
}

func main() {
	flag.Parse()
	c := Config{
		inputDirectory: *inputDirectory,
		outputFile:     *outputFile,
		concurrency:    *concurrency,
	}
	if err := run(c); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run(c Config) error {
	directory, err := os.ReadDir(c.inputDirectory)
	if err != nil {
		return err
	}

	var inFiles []string
	for _, content := range directory {
		if !content.IsDir() && content.Type().IsRegular() {
			fpath := filepath.Join(c.inputDirectory, content.Name())
			inFiles = append(inFiles, fpath)
		}
	}

	files := make(chan string, len(inFiles))

	ctx, canc := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer canc()
	g, ctx := errgroup.WithContext(ctx)

	records := make(chan Record, len(inFiles))

	done := make(chan struct{}, c.concurrency)
	defer close(done)

	g.Go(func() error {
		for _, file := range inFiles {
			files <- file
		}
		close(files)
		return nil
	})
	g.Go(func() error {
		defer close(records)
		for i := 0; i < int(c.concurrency); i++ {
			g.Go(func() error {
				for file := range files {
					if err := process(ctx, file, records); err != nil {
						log.Print(err)
					}
				}
				done <- struct{}{}
				return nil
			})
		}

		for i := 0; i < int(c.concurrency); i++ {
			<-done
		}
		return nil
	})

	g.Go(func() error {
		var writer io.Writer
		if c.outputFile != "" {
			f, err := os.Create(c.outputFile)
			if err != nil {
				return err
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}
		csvWriter := csv.NewWriter(writer)
		csvWriter.Comma = ';'
		defer csvWriter.Flush()

		csvWriter.Write(header)
		for record := range records {
			row := []string{
				record.file,
				fmt.Sprintf("%d", record.connections),
				fmt.Sprintf("%d", record.lines),
				fmt.Sprintf("%d", record.bytes),
				fmt.Sprintf("%.3f", record.meanGapMs),
				fmt.Sprintf("%.3f", record.stddevGapMs),
				fmt.Sprintf("%.3f", record.minGapMs),
				fmt.Sprintf("%.3f", record.maxGapMs),
			}
			if err := csvWriter.Write(row); err != nil {
				log.Print(err)
			}
		}

		return nil
	})

	return g.Wait()
}

func process(ctx context.Context, file string, records chan<- Record) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("cannot open %q: %v", file, err)
	}
	defer f.Close()

	conns := make(map[int]struct{})
	var gaps []float64
	var lines, bytes int

	r := bufio.NewScanner(f)

	for r.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
			l := r.Text()

			conn, line, gapUs, size, err := parseRow(l)
			if err != nil {
				log.Print(err)
				continue
			}

			conns[conn] = struct{}{}
			lines += 1
			bytes += size
			if line > 0 {
				gaps = append(gaps, float64(gapUs)/1000)
			}
		}
	}

	record := Record{
		file:        filepath.Base(file),
		connections: len(conns),
		lines:       lines,
		bytes:       bytes,
	}
	if len(gaps) > 0 {
		record.meanGapMs = stat.Mean(gaps, nil)
		record.stddevGapMs = stat.StdDev(gaps, nil)
		record.minGapMs = floats.Min(gaps)
		record.maxGapMs = floats.Max(gaps)
	}

	records <- record
	return nil
}

func parseRow(row string) (int, int, int64, int, error) {
	parts := strings.Split(row, ";")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bad line: %s", row)
	}

	conn, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, 0, err
	}

	line, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, 0, err
	}

	gapUs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	size, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return conn, line, gapUs, size, nil
}
