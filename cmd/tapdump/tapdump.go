package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/edgecv/pkg/annotation"
	"github.com/cyclopcam/edgecv/pkg/tap"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("tapdump", "Prints the annotations published on a processor's tap, as JSON lines")
	endpoint := parser.String("e", "endpoint", &argparse.Options{Help: "ZeroMQ endpoint of the tap", Default: "tcp://localhost:5557"})
	count := parser.Int("n", "count", &argparse.Options{Help: "Exit after this many messages (0 = until interrupted)", Default: 0})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages, err := tap.Subscribe(ctx, logger, *endpoint)
	if err != nil {
		logger.Errorf("Failed to connect to %v: %v", *endpoint, err)
		os.Exit(1)
	}

	n := 0
	for msg := range messages {
		line, err := annotation.Encode(msg)
		if err != nil {
			logger.Errorf("%v", err)
			continue
		}
		fmt.Println(string(line))
		n++
		if *count != 0 && n >= *count {
			stop()
			break
		}
	}
}
