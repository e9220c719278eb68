package edge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
)

// LED colors that the board supports
const (
	LEDRed  = "red"
	LEDBlue = "blue"
)

// Kernel thermal zone of the CPU, in millidegrees Celsius
const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// LEDBoard switches the board's status LEDs
type LEDBoard interface {
	SetLED(color string, on bool) error
}

// TemperatureSensor reads the CPU temperature in degrees Celsius
type TemperatureSensor interface {
	CPUTemp() (float64, error)
}

// SysfsLEDs drives LEDs through the kernel's LED class, eg /sys/class/leds/red:status
type SysfsLEDs struct {
	Dirs map[string]string // color -> LED directory
}

func NewSysfsLEDs(redDir, blueDir string) *SysfsLEDs {
	dirs := map[string]string{}
	if redDir != "" {
		dirs[LEDRed] = redDir
	}
	if blueDir != "" {
		dirs[LEDBlue] = blueDir
	}
	return &SysfsLEDs{Dirs: dirs}
}

func (s *SysfsLEDs) SetLED(color string, on bool) error {
	dir, ok := s.Dirs[color]
	if !ok {
		return fmt.Errorf("No %v LED", color)
	}
	v := "0"
	if on {
		v = "1"
	}
	return os.WriteFile(filepath.Join(dir, "brightness"), []byte(v), 0644)
}

// LoggedLEDs is for machines without LEDs. It only remembers and logs the requested state.
type LoggedLEDs struct {
	Log   logs.Log
	lock  sync.Mutex
	state map[string]bool
}

func NewLoggedLEDs(log logs.Log) *LoggedLEDs {
	return &LoggedLEDs{
		Log:   log,
		state: map[string]bool{},
	}
}

func (l *LoggedLEDs) SetLED(color string, on bool) error {
	l.lock.Lock()
	l.state[color] = on
	l.lock.Unlock()
	l.Log.Infof("LED %v %v", color, onOff(on))
	return nil
}

// State returns the last state that was set for 'color'
func (l *LoggedLEDs) State(color string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state[color]
}

// ThermalZone reads a kernel thermal zone file
type ThermalZone struct {
	Path string
}

func (z *ThermalZone) CPUTemp() (float64, error) {
	raw, err := os.ReadFile(z.Path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Invalid thermal zone value '%v'", strings.TrimSpace(string(raw)))
	}
	return float64(milli) / 1000, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
