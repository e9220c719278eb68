package edge

import (
	"context"
	"fmt"

	"github.com/cyclopcam/edgecv/pkg/control"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RPCRegistrar is the part of a room connection that serves RPC methods
type RPCRegistrar interface {
	RegisterRPCMethod(method string, handler transport.RPCHandler) *transport.RPCRegistration
}

// Commands serves the hardware control methods that the control bridge calls
type Commands struct {
	log     logs.Log
	leds    LEDBoard
	thermal TemperatureSensor
}

func NewCommands(log logs.Log, leds LEDBoard, thermal TemperatureSensor) *Commands {
	return &Commands{
		log:     log,
		leds:    leds,
		thermal: thermal,
	}
}

// Register serves all of our methods on 'room'
func (c *Commands) Register(room RPCRegistrar) []*transport.RPCRegistration {
	return []*transport.RPCRegistration{
		room.RegisterRPCMethod(control.MethodSetLEDState, c.SetLEDState),
		room.RegisterRPCMethod(control.MethodGetCPUTemp, c.GetCPUTemp),
	}
}

func commandError(msg string) error {
	return &transport.RPCError{Code: transport.RPCApplicationError, Message: msg}
}

// SetLEDState handles set_led_state. The payload is {"color": "red"|"blue", "state": bool}.
func (c *Commands) SetLEDState(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
	if inv.Payload == "" {
		return "", commandError("Missing payload")
	}
	// Decode into a generic value first, so that we can tell bad syntax from a bad shape
	var root any
	if err := json.Unmarshal([]byte(inv.Payload), &root); err != nil {
		return "", commandError("Invalid JSON")
	}
	obj, _ := root.(map[string]any)
	color, colorOK := obj["color"].(string)
	state, stateOK := obj["state"].(bool)
	if !colorOK || !stateOK {
		return "", commandError("Unexpected JSON format")
	}
	if color != LEDRed && color != LEDBlue {
		return "", commandError("Unsupported color")
	}
	if err := c.leds.SetLED(color, state); err != nil {
		c.log.Errorf("Failed to set %v LED %v: %v", color, onOff(state), err)
		return "", commandError("Failed to set LED state")
	}
	c.log.Infof("%v set %v LED %v", inv.CallerIdentity, color, onOff(state))
	return "", nil
}

// GetCPUTemp handles get_cpu_temp. The response is the temperature in Celsius, with two decimals.
func (c *Commands) GetCPUTemp(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
	temp, err := c.thermal.CPUTemp()
	if err != nil {
		c.log.Errorf("Failed to read CPU temperature: %v", err)
		return "", commandError("Failed to read CPU temperature")
	}
	return fmt.Sprintf("%.2f", temp), nil
}
