// Package control calls hardware commands on the edge node, and answers liveness pings.
package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/logs"
	jsoniter "github.com/json-iterator/go"
)

// RPC methods served by the edge node
const (
	MethodSetLEDState = "set_led_state"
	MethodGetCPUTemp  = "get_cpu_temp"
)

// Default time that we wait for a command to complete
const DefaultTimeout = 10 * time.Second

// Time that we wait for get_cpu_temp
const CPUTempTimeout = 10 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNoPeer = errors.New("No remote participant is available")

// RPCInvoker is the part of a room connection that the bridge needs
type RPCInvoker interface {
	PerformRPC(ctx context.Context, destination, method, payload string, responseTimeout time.Duration) (string, error)
	RemoteParticipants() []string
}

// ToolFailure is returned to the control layer when a command fails.
// Error() is safe to show to a user. The underlying cause is only reachable via errors.Unwrap.
type ToolFailure struct {
	Message string
	Cause   error
}

func (e *ToolFailure) Error() string {
	return e.Message
}

func (e *ToolFailure) Unwrap() error {
	return e.Cause
}

// LEDCommand is the payload of set_led_state
type LEDCommand struct {
	Color string `json:"color"`
	State bool   `json:"state"`
}

// Bridge issues commands to a peer in the room
type Bridge struct {
	Destination string   // If empty, the first remote participant (by identity) that is not in Ignore
	Ignore      []string // Identities that are never chosen as the destination, eg the processor

	log logs.Log
	rpc RPCInvoker
}

func NewBridge(logger logs.Log, rpc RPCInvoker) *Bridge {
	return &Bridge{
		log: log.NewPrefixLogger(logger, "Control"),
		rpc: rpc,
	}
}

// Peer returns the identity that commands are sent to
func (b *Bridge) Peer() (string, error) {
	if b.Destination != "" {
		return b.Destination, nil
	}
	for _, p := range b.rpc.RemoteParticipants() {
		ignored := false
		for _, ig := range b.Ignore {
			if p == ig {
				ignored = true
				break
			}
		}
		if !ignored {
			return p, nil
		}
	}
	return "", ErrNoPeer
}

// Invoke calls 'method' on 'destination', and returns the response.
// If destination is empty, Peer() is used.
// Failures of any kind return a *ToolFailure, no later than 'timeout'.
func (b *Bridge) Invoke(ctx context.Context, destination, method, payload string, timeout time.Duration) (string, error) {
	failMsg := fmt.Sprintf("Unable to call %v", method)
	return b.invoke(ctx, destination, method, payload, timeout, failMsg)
}

func (b *Bridge) invoke(ctx context.Context, destination, method, payload string, timeout time.Duration, failMsg string) (string, error) {
	if destination == "" {
		var err error
		if destination, err = b.Peer(); err != nil {
			b.log.Warnf("%v: %v", failMsg, err)
			return "", &ToolFailure{Message: failMsg, Cause: err}
		}
	}
	ex := NewExchange(destination, method, payload, timeout)
	ex.Run(ctx, b.rpc)
	if ex.State != ExchangeCompleted {
		b.log.Warnf("%v on %v failed: %v", method, destination, ex.Err)
		return "", &ToolFailure{Message: failMsg, Cause: ex.Err}
	}
	return ex.Response, nil
}

// SetLEDState turns an LED on the edge node on or off
func (b *Bridge) SetLEDState(ctx context.Context, color string, state bool) error {
	b.log.Infof("Setting %v LED to %v", color, state)
	payload, err := json.Marshal(&LEDCommand{Color: color, State: state})
	if err != nil {
		return &ToolFailure{Message: "Unable to set LED state", Cause: err}
	}
	_, err = b.invoke(ctx, "", MethodSetLEDState, string(payload), DefaultTimeout, "Unable to set LED state")
	return err
}

// GetCPUTemp returns the CPU temperature of the edge node, in degrees Celsius
func (b *Bridge) GetCPUTemp(ctx context.Context) (float64, error) {
	resp, err := b.invoke(ctx, "", MethodGetCPUTemp, "", CPUTempTimeout, "Unable to retrieve CPU temperature")
	if err != nil {
		return 0, err
	}
	temp, err := ParseTemperature(resp)
	if err != nil {
		b.log.Warnf("Invalid temperature '%v'", resp)
		return 0, &ToolFailure{Message: "Received invalid temperature value", Cause: err}
	}
	return temp, nil
}

// ParseTemperature converts a get_cpu_temp response into a number
func ParseTemperature(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("Temperature is not finite")
	}
	return v, nil
}
