package flease

import (
	"encoding/binary"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/glycerine/blake3"
	gjson "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Config holds the tunables for one Stage.
// Zero fields are given defaults by Init().
type Config struct {

	// Identity is how peers address this process.
	// Required. It must not contain whitespace.
	Identity Identity

	// SenderID breaks ties between equal proposal
	// counters. Every participant must have a distinct
	// one. Zero means derive it from a hash of Identity.
	SenderID uint64

	// LeaseDuration is how long a granted or
	// renewed lease lasts.
	LeaseDuration time.Duration

	// ClockDriftBound is dMax: the most any two clocks
	// in the group may disagree, plus message delay.
	// Every timeout comparison is padded by it.
	ClockDriftBound time.Duration

	// how long to wait for a majority of PREPARE replies.
	PrepareTimeout time.Duration

	// how long to wait for a majority of ACCEPT replies.
	AcceptTimeout time.Duration

	// RenewalMargin: the holder renews this long before
	// its lease runs out. Must exceed
	// ClockDriftBound + AcceptTimeout, or a renewal
	// could complete after the lease is unusable.
	RenewalMargin time.Duration

	// MaxRetries bounds the failed rounds of one
	// election before LeaseFailed is reported.
	MaxRetries int

	// retry delays grow from BackoffInitial
	// towards BackoffMax, with jitter.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// EpochTimeout bounds each MasterEpochHandler call.
	EpochTimeout time.Duration

	// capacity of the Stage's inbound queues.
	EventQueueLen int

	// trace the protocol to the log.
	Verbose bool
}

const (
	DefaultLeaseDuration   = 15 * time.Second
	DefaultClockDriftBound = 500 * time.Millisecond
	DefaultPrepareTimeout  = 500 * time.Millisecond
	DefaultAcceptTimeout   = 500 * time.Millisecond
	DefaultRenewalMargin   = 3 * time.Second
	DefaultMaxRetries      = 20
	DefaultBackoffInitial  = 20 * time.Millisecond
	DefaultBackoffMax      = 2 * time.Second
	DefaultEpochTimeout    = 2 * time.Second
	DefaultEventQueueLen   = 1000
)

// NewConfig returns a Config for id with every default filled in.
func NewConfig(id Identity) *Config {
	cfg := &Config{Identity: id}
	cfg.Init()
	return cfg
}

// Init fills in defaults for any zero fields.
func (cfg *Config) Init() {
	if cfg.SenderID == 0 {
		cfg.SenderID = SenderIDFor(cfg.Identity)
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.ClockDriftBound == 0 {
		cfg.ClockDriftBound = DefaultClockDriftBound
	}
	if cfg.PrepareTimeout == 0 {
		cfg.PrepareTimeout = DefaultPrepareTimeout
	}
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}
	if cfg.RenewalMargin == 0 {
		cfg.RenewalMargin = DefaultRenewalMargin
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.EpochTimeout == 0 {
		cfg.EpochTimeout = DefaultEpochTimeout
	}
	if cfg.EventQueueLen == 0 {
		cfg.EventQueueLen = DefaultEventQueueLen
	}
}

// SenderIDFor derives a stable, non-zero 63-bit
// sender id from the blake3 hash of id.
func SenderIDFor(id Identity) uint64 {
	h := blake3.New(64, nil)
	h.Write([]byte(id))
	sum := h.Sum(nil)
	r := binary.BigEndian.Uint64(sum[:8]) >> 1
	if r == 0 {
		r = 1
	}
	return r
}

// CheckForProblems detects mis-configuration early.
//
// At the moment, the rules are:
// 1) No whitespace in string fields.
// 2) time.Duration >= 0 for all dur fields.
// 3) Identity is set.
// 4) LeaseDuration > RenewalMargin > ClockDriftBound + AcceptTimeout.
func (cfg *Config) CheckForProblems() error {

	durationType := reflect.TypeOf(time.Duration(0))

	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < v.NumField(); i++ {
		fieldValue := v.Field(i)
		fieldType := v.Type().Field(i)
		switch fieldValue.Kind() {
		case reflect.String:
			stringValue := fieldValue.String()
			if hasWhiteSpace(stringValue) {
				return fmt.Errorf("error in flease Config: field cannot contain whitespace (field '%v') is: '%v'", fieldType.Name, stringValue)
			}
		case reflect.Int64:
			if fieldValue.Type() == durationType {
				dur := fieldValue.Int()
				if dur < 0 {
					return fmt.Errorf("error in flease Config: time.Duration field cannot be negative (field '%v') is: '%v'", fieldType.Name, time.Duration(dur))
				}
			}
		}
	}
	if cfg.Identity == "" {
		return fmt.Errorf("error in flease Config: Identity must be set")
	}
	if len(cfg.Identity) > MaxIDLen {
		return fmt.Errorf("error in flease Config: Identity is %v bytes; max is %v", len(cfg.Identity), MaxIDLen)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("error in flease Config: MaxRetries cannot be negative: %v", cfg.MaxRetries)
	}
	if cfg.RenewalMargin <= cfg.ClockDriftBound+cfg.AcceptTimeout {
		return fmt.Errorf("error in flease Config: RenewalMargin(%v) must exceed ClockDriftBound(%v) + AcceptTimeout(%v)", cfg.RenewalMargin, cfg.ClockDriftBound, cfg.AcceptTimeout)
	}
	if cfg.LeaseDuration <= cfg.RenewalMargin {
		return fmt.Errorf("error in flease Config: LeaseDuration(%v) must exceed RenewalMargin(%v)", cfg.LeaseDuration, cfg.RenewalMargin)
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return fmt.Errorf("error in flease Config: BackoffMax(%v) must be >= BackoffInitial(%v)", cfg.BackoffMax, cfg.BackoffInitial)
	}
	return nil
}

func hasWhiteSpace(name string) bool {
	for _, r := range name {
		if unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

// ConfigJSON is the on-disk form of Config.
// Durations are in milliseconds.
type ConfigJSON struct {
	Identity         string `json:"identity"`
	SenderID         uint64 `json:"senderId,omitempty"`
	LeaseTimeoutMs   int64  `json:"leaseTimeoutMs,omitempty"`
	DMaxMs           int64  `json:"dMaxMs,omitempty"`
	PrepareTimeoutMs int64  `json:"prepareTimeoutMs,omitempty"`
	AcceptTimeoutMs  int64  `json:"acceptTimeoutMs,omitempty"`
	RenewalMarginMs  int64  `json:"renewalMarginMs,omitempty"`
	MaxRetries       int    `json:"maxRetries,omitempty"`
	BackoffInitialMs int64  `json:"backoffInitialMs,omitempty"`
	BackoffMaxMs     int64  `json:"backoffMaxMs,omitempty"`
	EpochTimeoutMs   int64  `json:"epochTimeoutMs,omitempty"`
	EventQueueLen    int    `json:"eventQueueLen,omitempty"`
	Verbose          bool   `json:"verbose,omitempty"`
}

func ms(d int64) time.Duration {
	return time.Duration(d) * time.Millisecond
}

// Config converts to a Config. Defaults are not applied.
func (j *ConfigJSON) Config() *Config {
	return &Config{
		Identity:        Identity(j.Identity),
		SenderID:        j.SenderID,
		LeaseDuration:   ms(j.LeaseTimeoutMs),
		ClockDriftBound: ms(j.DMaxMs),
		PrepareTimeout:  ms(j.PrepareTimeoutMs),
		AcceptTimeout:   ms(j.AcceptTimeoutMs),
		RenewalMargin:   ms(j.RenewalMarginMs),
		MaxRetries:      j.MaxRetries,
		BackoffInitial:  ms(j.BackoffInitialMs),
		BackoffMax:      ms(j.BackoffMaxMs),
		EpochTimeout:    ms(j.EpochTimeoutMs),
		EventQueueLen:   j.EventQueueLen,
		Verbose:         j.Verbose,
	}
}

// JSON returns the on-disk form of cfg.
func (cfg *Config) JSON() *ConfigJSON {
	return &ConfigJSON{
		Identity:         string(cfg.Identity),
		SenderID:         cfg.SenderID,
		LeaseTimeoutMs:   cfg.LeaseDuration.Milliseconds(),
		DMaxMs:           cfg.ClockDriftBound.Milliseconds(),
		PrepareTimeoutMs: cfg.PrepareTimeout.Milliseconds(),
		AcceptTimeoutMs:  cfg.AcceptTimeout.Milliseconds(),
		RenewalMarginMs:  cfg.RenewalMargin.Milliseconds(),
		MaxRetries:       cfg.MaxRetries,
		BackoffInitialMs: cfg.BackoffInitial.Milliseconds(),
		BackoffMaxMs:     cfg.BackoffMax.Milliseconds(),
		EpochTimeoutMs:   cfg.EpochTimeout.Milliseconds(),
		EventQueueLen:    cfg.EventQueueLen,
		Verbose:          cfg.Verbose,
	}
}

// ParseConfigJSON decodes, defaults, and checks a JSON config.
func ParseConfigJSON(by []byte) (*Config, error) {
	var j ConfigJSON
	if err := gjson.Unmarshal(by, &j); err != nil {
		return nil, errors.Wrap(err, "flease: parsing config JSON")
	}
	cfg := j.Config()
	cfg.Init()
	if err := cfg.CheckForProblems(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigJSON reads a JSON config file from path.
func LoadConfigJSON(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "flease: reading config '%v'", path)
	}
	cfg, err := ParseConfigJSON(by)
	if err != nil {
		return nil, errors.Wrapf(err, "flease: config '%v'", path)
	}
	return cfg, nil
}

// GetDataDir says where to keep durable state,
// such as the master epoch file, when the
// caller does not say. It is
// $XDG_CONFIG_HOME/flease/data or $HOME/.config/flease/data,
// falling back to ./data. The directory is created
// if need be.
func GetDataDir() (path string, err error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "data"
	sep := string(os.PathSeparator)
	suffix := sep + ".config" + sep + "flease" + sep + base
	switch {
	case dir != "":
		path = dir + sep + "flease" + sep + base
	case home != "":
		path = home + suffix
	default:
		path = base
	}
	err = os.MkdirAll(path, 0700)
	return
}
