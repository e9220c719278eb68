package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/edgecv/edge"
	"github.com/cyclopcam/edgecv/pkg/config"
	"github.com/cyclopcam/edgecv/pkg/control"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/edgecv/processor"
	"github.com/cyclopcam/edgecv/relay"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("edgectl", "Sends control commands to the edge node")
	flags := config.AddFlags(&parser.Command, "edgectl")
	to := parser.String("", "to", &argparse.Options{Help: "Identity of the edge node. By default, the first participant that is not the processor", Default: ""})

	ledCmd := parser.NewCommand("led", "Turn an LED on or off")
	color := ledCmd.Selector("c", "color", []string{edge.LEDRed, edge.LEDBlue}, &argparse.Options{Required: true, Help: "LED color"})
	state := ledCmd.Selector("s", "state", []string{"on", "off"}, &argparse.Options{Required: true, Help: "LED state"})

	tempCmd := parser.NewCommand("temp", "Print the CPU temperature of the edge node")

	pingCmd := parser.NewCommand("ping", "Measure the round trip time to the edge node")
	count := pingCmd.Int("n", "count", &argparse.Options{Help: "Number of pings (0 = until interrupted)", Default: 0})

	roomsCmd := parser.NewCommand("rooms", "List the rooms on the relay, and their participants")

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

	cfg, err := config.Load(flags)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if roomsCmd.Happened() {
		// Doesn't need to join a room
		os.Exit(listRooms(ctx, cfg.URL))
	}

	token, err := cfg.AccessToken()
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	room, err := transport.Connect(ctx, logger, cfg.URL, token)
	if err != nil {
		logger.Errorf("Failed to join room %v: %v", cfg.Room, err)
		os.Exit(1)
	}
	defer room.Close()

	bridge := control.NewBridge(logger, room)
	bridge.Destination = *to
	bridge.Ignore = []string{processor.DefaultIdentity}

	code := 0
	switch {
	case ledCmd.Happened():
		code = setLED(ctx, bridge, *color, *state == "on")
	case tempCmd.Happened():
		code = printTemp(ctx, bridge)
	case pingCmd.Happened():
		code = ping(ctx, room, bridge, *count)
	default:
		fmt.Print(parser.Usage(nil))
		code = 1
	}
	if code != 0 {
		room.Close()
		os.Exit(code)
	}
}

func listRooms(ctx context.Context, baseURL string) int {
	rooms, err := relay.ListRooms(ctx, baseURL)
	if err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	for _, rm := range rooms {
		fmt.Printf("%v (%v participants)\n", rm.Name, rm.Participants)
		participants, err := relay.ListParticipants(ctx, baseURL, rm.Name)
		if err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		for _, p := range participants {
			fmt.Printf("  %-20v joined %v, dropped %v\n", p.Identity, time.UnixMilli(p.JoinedAt).Format(time.DateTime), p.Dropped)
		}
	}
	return 0
}

func setLED(ctx context.Context, bridge *control.Bridge, color string, on bool) int {
	if err := bridge.SetLEDState(ctx, color, on); err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	state := "off"
	if on {
		state = "on"
	}
	fmt.Printf("%v LED is %v\n", color, state)
	return 0
}

func printTemp(ctx context.Context, bridge *control.Bridge) int {
	temp, err := bridge.GetCPUTemp(ctx)
	if err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	fmt.Printf("%.2f °C\n", temp)
	return 0
}

func ping(ctx context.Context, room *transport.Room, bridge *control.Bridge, count int) int {
	peer, err := bridge.Peer()
	if err != nil {
		fmt.Printf("%v\n", err)
		return 1
	}
	pongs := room.SubscribeData(control.PongTopic)
	defer pongs.Close()
	pinger := control.NewPinger(room, peer)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	nLost := 0
	for i := 0; count == 0 || i < count; i++ {
		if err := pinger.Ping(ctx, time.Now()); err != nil {
			fmt.Printf("Failed to send ping: %v\n", err)
			return 1
		}
		timeout := time.After(time.Second)
	wait:
		for {
			select {
			case <-ctx.Done():
				return 0
			case <-timeout:
				nLost++
				fmt.Printf("No pong from %v\n", peer)
				break wait
			case pkt, ok := <-pongs.C:
				if !ok {
					fmt.Printf("Connection closed\n")
					return 1
				}
				if pkt.Sender != peer {
					continue
				}
				rtt, err := pinger.OnPong(pkt, time.Now())
				if err != nil {
					fmt.Printf("%v\n", err)
					continue
				}
				avg, n := pinger.AverageRTT()
				fmt.Printf("Pong from %v: %.1f ms (average of last %v: %.1f ms)\n", peer, rtt.Seconds()*1000, n, avg.Seconds()*1000)
				break wait
			}
		}
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
		}
	}
	if nLost != 0 {
		return 1
	}
	return 0
}
