// Package settings holds the runtime flags the reconcilers re-read at the
// start of every tick.
package settings

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

// Settings are the hot-reloadable reconciler flags.
type Settings struct {
	// AutoTrackPositionIncreases records detected trades for unexplained broker quantity.
	AutoTrackPositionIncreases bool `yaml:"auto_track_position_increases" json:"auto_track_position_increases"`
	// PositionDetectMinValue is the notional floor in dollars for a detected increase.
	PositionDetectMinValue float64 `yaml:"position_detect_min_value" json:"position_detect_min_value"`
	// AutoCloseExpiredOptions closes OTM expired options at zero.
	AutoCloseExpiredOptions bool `yaml:"auto_close_expired_options" json:"auto_close_expired_options"`
	// OptionsExpiryWarningDays is the advance-warning window for ExpiringWithin.
	OptionsExpiryWarningDays int `yaml:"options_expiry_warning_days" json:"options_expiry_warning_days"`
	// OptionsExpiryCriticalDays is the window that triggers notifications.
	OptionsExpiryCriticalDays int `yaml:"options_expiry_critical_days" json:"options_expiry_critical_days"`

	CloseReviewCooldownHours float64 `yaml:"close_review_cooldown_hours" json:"close_review_cooldown_hours"`
	TriggerTolerancePct      float64 `yaml:"trigger_tolerance_pct" json:"trigger_tolerance_pct"`
	SupportHoldPeriods       int     `yaml:"support_hold_periods" json:"support_hold_periods"`
	// ITMPremiumThreshold is the entry premium above which an expired option
	// without a spot quote is treated as possibly in the money.
	ITMPremiumThreshold float64 `yaml:"itm_premium_threshold" json:"itm_premium_threshold"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		AutoTrackPositionIncreases: true,
		PositionDetectMinValue:     100,
		AutoCloseExpiredOptions:    false,
		OptionsExpiryWarningDays:   7,
		OptionsExpiryCriticalDays:  2,
		CloseReviewCooldownHours:   1,
		TriggerTolerancePct:        0.5,
		SupportHoldPeriods:         3,
		ITMPremiumThreshold:        0.50,
	}
}

// Validate checks ranges and window ordering.
func (s Settings) Validate() error {
	if s.PositionDetectMinValue < 0 {
		return fmt.Errorf("position_detect_min_value must be >= 0")
	}
	if s.OptionsExpiryCriticalDays < 0 || s.OptionsExpiryWarningDays < 0 {
		return fmt.Errorf("options expiry windows must be >= 0")
	}
	if s.OptionsExpiryCriticalDays > s.OptionsExpiryWarningDays {
		return fmt.Errorf("options_expiry_critical_days (%d) must be <= options_expiry_warning_days (%d)",
			s.OptionsExpiryCriticalDays, s.OptionsExpiryWarningDays)
	}
	if s.CloseReviewCooldownHours < 0 {
		return fmt.Errorf("close_review_cooldown_hours must be >= 0")
	}
	if s.TriggerTolerancePct < 0 || s.TriggerTolerancePct > 10 {
		return fmt.Errorf("trigger_tolerance_pct must be between 0 and 10")
	}
	if s.SupportHoldPeriods < 1 {
		return fmt.Errorf("support_hold_periods must be >= 1")
	}
	if s.ITMPremiumThreshold < 0 {
		return fmt.Errorf("itm_premium_threshold must be >= 0")
	}
	return nil
}

// Provider returns the settings in force for the current tick.
type Provider interface {
	Current() Settings
}

// Static is a Provider that never changes.
type Static Settings

// Current returns the fixed settings.
func (s Static) Current() Settings {
	return Settings(s)
}

// Parse decodes YAML over Defaults and validates the result. Unknown keys are errors.
func Parse(data []byte) (Settings, error) {
	s := Defaults()
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// FileProvider re-reads a YAML settings file whenever its modification time
// changes. A file that fails to parse keeps the last good settings.
type FileProvider struct {
	mu      sync.Mutex
	path    string
	logger  logrus.FieldLogger
	modTime time.Time
	current Settings
}

// NewFileProvider loads path once. A missing file yields Defaults; a present
// but invalid file is an error.
func NewFileProvider(path string, logger logrus.FieldLogger) (*FileProvider, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &FileProvider{path: path, logger: logger, current: Defaults()}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.WithField("path", path).Info("settings file not found, using defaults")
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat settings file: %w", err)
	}
	s, err := p.read()
	if err != nil {
		return nil, err
	}
	p.current = s
	p.modTime = info.ModTime()
	return p, nil
}

func (p *FileProvider) read() (Settings, error) {
	data, err := os.ReadFile(p.path) // #nosec G304 -- operator-provided settings path
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file: %w", err)
	}
	return Parse(data)
}

// Current returns the settings, reloading first if the file changed.
func (p *FileProvider) Current() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil || info.ModTime().Equal(p.modTime) {
		return p.current
	}

	s, err := p.read()
	if err != nil {
		p.logger.WithError(err).WithField("path", p.path).Warn("settings reload failed, keeping previous values")
		// Remember the bad mtime so the same broken file is not re-parsed every tick.
		p.modTime = info.ModTime()
		return p.current
	}
	p.current = s
	p.modTime = info.ModTime()
	p.logger.WithField("path", p.path).Info("settings reloaded")
	return p.current
}
