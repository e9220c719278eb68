package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/edgecv/edge"
	"github.com/cyclopcam/edgecv/pkg/boxcache"
	"github.com/cyclopcam/edgecv/pkg/config"
	"github.com/cyclopcam/edgecv/pkg/device"
	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/edgecv/processor"
	"github.com/cyclopcam/logs"
)

func init() {
	// OpenCV windows must be driven from the main thread
	runtime.LockOSThread()
}

func main() {
	parser := argparse.NewParser("edge", "Publishes a camera to the room, and shows the detections that come back")
	flags := config.AddFlags(&parser.Command, edge.DefaultIdentity)
	cameraID := parser.Int("", "camera", &argparse.Options{Help: "Video device number", Default: 0})
	width := parser.Int("", "width", &argparse.Options{Help: "Capture width", Default: device.DefaultCameraWidth})
	height := parser.Int("", "height", &argparse.Options{Help: "Capture height", Default: device.DefaultCameraHeight})
	quality := parser.Int("", "quality", &argparse.Options{Help: "JPEG quality of the published track", Default: frame.DefaultJPEGQuality})
	headless := parser.Flag("", "headless", &argparse.Options{Help: "Don't open a display window", Default: false})
	redLED := parser.String("", "red-led", &argparse.Options{Help: "sysfs directory of the red LED, eg /sys/class/leds/red:status", Default: ""})
	blueLED := parser.String("", "blue-led", &argparse.Options{Help: "sysfs directory of the blue LED", Default: ""})
	thermal := parser.String("", "thermal", &argparse.Options{Help: "Thermal zone file of the CPU", Default: edge.DefaultThermalZone})
	processorIdentity := parser.String("", "processor", &argparse.Options{Help: "Identity of the processor", Default: processor.DefaultIdentity})
	boxAge := parser.Float("", "box-age", &argparse.Options{Help: "Seconds after which boxes are hidden, if the processor has gone quiet", Default: edge.DefaultMaxBoxAge.Seconds()})
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

	var leds edge.LEDBoard
	if *redLED != "" || *blueLED != "" {
		leds = edge.NewSysfsLEDs(*redLED, *blueLED)
	} else {
		leds = edge.NewLoggedLEDs(log.NewPrefixLogger(logger, "LED"))
	}

	os.Exit(run(logger, flags, runOptions{
		cameraID:          *cameraID,
		width:             *width,
		height:            *height,
		quality:           *quality,
		headless:          *headless,
		leds:              leds,
		thermal:           &edge.ThermalZone{Path: *thermal},
		processorIdentity: *processorIdentity,
		maxBoxAge:         time.Duration(*boxAge * float64(time.Second)),
	}))
}

type runOptions struct {
	cameraID          int
	width             int
	height            int
	quality           int
	headless          bool
	leds              edge.LEDBoard
	thermal           edge.TemperatureSensor
	processorIdentity string
	maxBoxAge         time.Duration
}

// Returns the process exit code. Everything that is acquired is released on the way out.
func run(logger logs.Log, flags *config.Flags, opt runOptions) int {
	cfg, err := config.Load(flags)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}

	camera, err := device.OpenCamera(opt.cameraID, opt.width, opt.height)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer camera.Close()

	var screen edge.Screen
	if !opt.headless {
		display := device.NewDisplay("edgecv")
		defer display.Close()
		screen = display
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
	logger.Infof("Joined room %v as %v", room.Name(), room.Identity())

	boxes := boxcache.New()
	session := edge.NewSession(logger, boxes, edge.NewCommands(logger, opt.leds, opt.thermal), edge.Options{
		ProcessorIdentity: opt.processorIdentity,
	})
	session.Start(room)
	defer session.Close()

	track := room.PublishTrack(edge.DefaultTrackName)
	track.Quality = opt.quality

	// Stop capturing if we lose the relay
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-room.Done():
			logger.Errorf("Lost connection to relay: %v", room.Err())
			cancel()
		case <-ctx.Done():
		}
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	loop := edge.NewCaptureLoop(logger, camera, screen, track, boxes)
	loop.MaxBoxAge = opt.maxBoxAge
	if err := loop.Run(ctx); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	captured, _ := loop.Stats()
	good, bad := session.AnnotationStats()
	logger.Infof("Captured %v frames. Received %v annotations (%v invalid)", captured, good, bad)
	select {
	case <-room.Done():
		return 1
	default:
		return 0
	}
}
