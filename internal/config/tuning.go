package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// GatewayTuning carries the decision-cache heuristic constants. The
// divisors, skip cap and time ceiling are empirical values inherited
// from production traffic; they have no derivation and must stay
// adjustable without a redeploy.
type GatewayTuning struct {
	// UserBalanceDivisor shrinks the requester-side skip estimate.
	UserBalanceDivisor int64 `mapstructure:"userBalanceDivisor"`
	// OwnerBalanceDivisor shrinks the owner-side skip estimate.
	OwnerBalanceDivisor int64 `mapstructure:"ownerBalanceDivisor"`
	// MaxChecksToSkip caps how many balance checks may be skipped.
	MaxChecksToSkip int64 `mapstructure:"maxChecksToSkip"`
	// MaxSkipSeconds caps how long a cached allow stays valid,
	// regardless of balance size.
	MaxSkipSeconds int64 `mapstructure:"maxSkipSeconds"`
}

func DefaultGatewayTuning() GatewayTuning {
	return GatewayTuning{
		UserBalanceDivisor:  100,
		OwnerBalanceDivisor: 1000,
		MaxChecksToSkip:     100,
		MaxSkipSeconds:      3600,
	}
}

// TuningHolder exposes the current tuning values and swaps them
// atomically when the config file changes on disk.
type TuningHolder struct {
	current atomic.Value // holds GatewayTuning
}

// NewStaticTuningHolder wraps fixed values, for tests.
func NewStaticTuningHolder(t GatewayTuning) *TuningHolder {
	h := &TuningHolder{}
	h.current.Store(t)
	return h
}

func NewTuningHolder() (*TuningHolder, error) {
	v := viper.New()

	v.SetConfigName("tuning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metergate/config")
	v.AddConfigPath("/etc/metergate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGatewayTuning()
	v.SetDefault("gateway.userBalanceDivisor", defaults.UserBalanceDivisor)
	v.SetDefault("gateway.ownerBalanceDivisor", defaults.OwnerBalanceDivisor)
	v.SetDefault("gateway.maxChecksToSkip", defaults.MaxChecksToSkip)
	v.SetDefault("gateway.maxSkipSeconds", defaults.MaxSkipSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg GatewayTuning
	if err := v.UnmarshalKey("gateway", &cfg); err != nil {
		return nil, err
	}
	if err := validateTuning(cfg); err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated GatewayTuning
		if err := v.UnmarshalKey("gateway", &updated); err != nil {
			log.Printf("[tuning] reload failed: %v", err)
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Printf("[tuning] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tuning] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TuningHolder) Get() GatewayTuning {
	return h.current.Load().(GatewayTuning)
}

func validateTuning(cfg GatewayTuning) error {
	if cfg.UserBalanceDivisor <= 0 || cfg.OwnerBalanceDivisor <= 0 {
		return errors.New("gateway tuning divisors must be positive")
	}
	if cfg.MaxChecksToSkip < 0 {
		return errors.New("gateway.maxChecksToSkip cannot be negative")
	}
	if cfg.MaxSkipSeconds <= 0 {
		return errors.New("gateway.maxSkipSeconds must be positive")
	}
	return nil
}
