package negotiation

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// Profile describes the known line defaults of one USB vendor.
type Profile struct {
	VID         uint16 `json:"vid" yaml:"vid"`
	Name        string `json:"name" yaml:"name"`
	DefaultBaud int    `json:"default_baud" yaml:"default_baud"`
	CommonBauds []int  `json:"common_bauds" yaml:"common_bauds"`
}

// builtinProfiles covers the common USB-to-serial bridges and dev
// boards.
var builtinProfiles = []Profile{
	{VID: 0x0403, Name: "FTDI", DefaultBaud: 115200, CommonBauds: []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}},
	{VID: 0x10C4, Name: "Silicon Labs CP210x", DefaultBaud: 9600, CommonBauds: []int{9600, 19200, 38400, 57600, 115200}},
	{VID: 0x1A86, Name: "WCH CH340/CH341", DefaultBaud: 9600, CommonBauds: []int{9600, 19200, 57600, 115200}},
	{VID: 0x2341, Name: "Arduino", DefaultBaud: 9600, CommonBauds: []int{9600, 57600, 115200}},
	{VID: 0x239A, Name: "Adafruit", DefaultBaud: 115200, CommonBauds: []int{9600, 115200}},
	{VID: 0x2E8A, Name: "Raspberry Pi Pico", DefaultBaud: 115200, CommonBauds: []int{9600, 115200}},
	{VID: 0x067B, Name: "Prolific PL2303", DefaultBaud: 9600, CommonBauds: []int{9600, 19200, 38400, 57600, 115200}},
	{VID: 0x0483, Name: "STMicroelectronics", DefaultBaud: 115200, CommonBauds: []int{9600, 38400, 115200}},
}

// LoadProfileOverrides reads additional profiles from a YAML file and
// merges them over the builtin table (match by VID).
func LoadProfileOverrides(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile overrides: %w", err)
	}
	var overrides []Profile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse profile overrides: %w", err)
	}

	merged := append([]Profile(nil), builtinProfiles...)
	for _, o := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].VID == o.VID {
				merged[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged, nil
}

// ManufacturerStrategy consults the static VID table and verifies the
// profile's bauds by briefly opening the port at 8-N-1.
type ManufacturerStrategy struct {
	profiles []Profile
	opener   port.Opener
	logger   *zap.Logger
}

func NewManufacturerStrategy(opener port.Opener, logger *zap.Logger) *ManufacturerStrategy {
	return &ManufacturerStrategy{profiles: builtinProfiles, opener: opener, logger: logger}
}

// WithProfiles replaces the profile table (used for YAML overrides).
func (m *ManufacturerStrategy) WithProfiles(profiles []Profile) *ManufacturerStrategy {
	m.profiles = profiles
	return m
}

func (m *ManufacturerStrategy) Name() string  { return "manufacturer" }
func (m *ManufacturerStrategy) Priority() int { return 80 }

// Profiles returns the active profile table.
func (m *ManufacturerStrategy) Profiles() []Profile { return m.profiles }

// LookupProfile findet das Profil zu einer VID.
func (m *ManufacturerStrategy) LookupProfile(vid uint16) (Profile, bool) {
	for _, p := range m.profiles {
		if p.VID == vid {
			return p, true
		}
	}
	return Profile{}, false
}

func (m *ManufacturerStrategy) Detect(portName string, hints Hints) (Params, error) {
	if hints.VID == 0 {
		return Params{}, ErrNotApplicable
	}
	profile, ok := m.LookupProfile(hints.VID)
	if !ok {
		return Params{}, ErrNotApplicable
	}

	m.logger.Debug("manufacturer profile matched",
		zap.String("vendor", profile.Name),
		zap.String("port", portName))

	// Default zuerst, dann die Kandidaten
	candidates := append([]int{profile.DefaultBaud}, profile.CommonBauds...)
	seen := map[int]bool{}
	timeout := hints.AttemptTimeout()

	for _, baud := range candidates {
		if seen[baud] {
			continue
		}
		seen[baud] = true

		if !m.tryBaud(portName, baud, timeout) {
			continue
		}

		// VID+PID zusammen rechtfertigen mehr Vertrauen als VID allein
		confidence := 0.75
		if hints.PID != 0 {
			confidence = 0.9
		}
		return NewParams(baud, m.Name()).WithConfidence(confidence), nil
	}

	return Params{}, &StrategyError{
		Strategy: m.Name(),
		Err:      fmt.Errorf("no profile baud accepted by %s", portName),
	}
}

// tryBaud opens briefly at 8-N-1 and performs a lightweight probe.
func (m *ManufacturerStrategy) tryBaud(portName string, baud int, timeout time.Duration) bool {
	handle, err := m.opener(portName, probeConfig(baud, timeout))
	if err != nil {
		m.logger.Debug("open failed during manufacturer probe",
			zap.Int("baud", baud), zap.Error(err))
		return false
	}
	defer handle.Close()

	if _, err := handle.Write([]byte("\r\n")); err != nil {
		m.logger.Debug("probe write failed", zap.Int("baud", baud), zap.Error(err))
		return false
	}
	return true
}
