package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/edgecv/pkg/config"
	"github.com/cyclopcam/edgecv/pkg/device"
	"github.com/cyclopcam/edgecv/pkg/dispatch"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/edgecv/pkg/tap"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/edgecv/processor"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("processor", "Runs object detection on the video tracks of a room, and publishes the results")
	flags := config.AddFlags(&parser.Command, processor.DefaultIdentity)
	modelFile := parser.String("m", "model", &argparse.Options{Help: "Detector weights", Default: "models/frozen_inference_graph.pb"})
	modelConfig := parser.String("", "modelconfig", &argparse.Options{Help: "Detector network definition", Default: "models/ssd_mobilenet_v1_coco.pbtxt"})
	classFile := parser.String("", "classes", &argparse.Options{Help: "File of class names, one per line (default COCO)", Default: ""})
	fps := parser.Float("", "fps", &argparse.Options{Help: "Maximum frames per second sent to the detector", Default: float64(processor.DefaultFPS)})
	threshold := parser.Float("", "threshold", &argparse.Options{Help: "Minimum detection confidence", Default: float64(nn.DefaultProbabilityThreshold)})
	merge := parser.String("", "merge", &argparse.Options{Help: "Fold overlapping classes together, eg truck=car,motorcycle=bicycle", Default: ""})
	tapEndpoint := parser.String("", "tap", &argparse.Options{Help: "ZeroMQ endpoint to mirror annotations on, eg " + tap.DefaultEndpoint, Default: ""})
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
	os.Exit(run(logger, flags, runOptions{
		modelFile:   *modelFile,
		modelConfig: *modelConfig,
		classFile:   *classFile,
		fps:         *fps,
		threshold:   float32(*threshold),
		merge:       *merge,
		tapEndpoint: *tapEndpoint,
	}))
}

type runOptions struct {
	modelFile   string
	modelConfig string
	classFile   string
	fps         float64
	threshold   float32
	merge       string
	tapEndpoint string
}

// Returns the process exit code. Everything that is acquired is released on the way out.
func run(logger logs.Log, flags *config.Flags, opt runOptions) int {
	cfg, err := config.Load(flags)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	mergeClasses, err := parseMerge(opt.merge)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	ssdOptions := device.SSDOptions{
		ModelFile:  opt.modelFile,
		ConfigFile: opt.modelConfig,
	}
	if opt.classFile != "" {
		if ssdOptions.Classes, err = nn.LoadClassFile(opt.classFile); err != nil {
			logger.Errorf("%v", err)
			return 1
		}
	}
	detector, err := device.LoadSSD(ssdOptions)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer detector.Close()

	// Warm up before joining, so that the first frames from the edge don't stall
	if err := processor.WarmUp(logger, detector); err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	options := processor.Options{
		FPS: opt.fps,
		Dispatch: dispatch.Options{
			Params:       &nn.DetectionParams{ProbabilityThreshold: opt.threshold},
			MergeClasses: mergeClasses,
		},
	}
	if opt.tapEndpoint != "" {
		pub, err := tap.NewPublisher(logger, opt.tapEndpoint)
		if err != nil {
			logger.Errorf("%v", err)
			return 1
		}
		defer pub.Close()
		options.Tap = pub
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := cfg.AccessToken()
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	room, err := transport.Connect(ctx, logger, cfg.URL, token)
	if err != nil {
		logger.Errorf("Failed to join room %v: %v", cfg.Room, err)
		return 1
	}
	defer room.Close()
	logger.Infof("Joined room %v as %v. Participants: %v", room.Name(), room.Identity(), strings.Join(room.RemoteParticipants(), ", "))

	session := processor.NewSession(logger, detector, room, options)
	session.Start(room)
	defer session.Close()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down")
		return 0
	case <-room.Done():
		logger.Errorf("Lost connection to relay: %v", room.Err())
		return 1
	}
}

// Parse "truck=car,motorcycle=bicycle"
func parseMerge(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	m := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		from, to, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("Invalid --merge entry '%v'. Expected from=to", pair)
		}
		m[from] = to
	}
	return m, nil
}
