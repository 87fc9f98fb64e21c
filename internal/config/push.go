package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PushTuning holds push limits that operators can change without a restart.
type PushTuning struct {
	GlobalLimit  int           `mapstructure:"globalLimit"`
	PerUserLimit int           `mapstructure:"perUserLimit"`
	Window       time.Duration `mapstructure:"window"`
	BatchSize    int           `mapstructure:"batchSize"`
}

func DefaultPushTuning() PushTuning {
	return PushTuning{
		GlobalLimit:  10000,
		PerUserLimit: 100,
		Window:       time.Hour,
		BatchSize:    500,
	}
}

type PushTuningHolder struct {
	current atomic.Value // holds PushTuning
}

// NewStaticPushTuningHolder returns a holder that never reloads.
func NewStaticPushTuningHolder(t PushTuning) *PushTuningHolder {
	holder := &PushTuningHolder{}
	holder.current.Store(t)
	return holder
}

// NewPushTuningHolder reads push.yml and watches it for changes.
// A missing file falls back to defaults; an invalid reload keeps the previous values.
func NewPushTuningHolder(log *zap.Logger) (*PushTuningHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.push")

	v := viper.New()
	v.SetConfigName("push")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tripline/config")
	v.AddConfigPath("/etc/tripline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRIPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPushTuning()
	v.SetDefault("push.globalLimit", defaults.GlobalLimit)
	v.SetDefault("push.perUserLimit", defaults.PerUserLimit)
	v.SetDefault("push.window", defaults.Window)
	v.SetDefault("push.batchSize", defaults.BatchSize)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodePushTuning(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPushTuningHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePushTuning(v)
		if err != nil {
			log.Warn("push tuning reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("push tuning reloaded",
			zap.String("file", e.Name),
			zap.Int("global_limit", updated.GlobalLimit),
			zap.Int("per_user_limit", updated.PerUserLimit),
			zap.Int("batch_size", updated.BatchSize),
		)
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PushTuningHolder) Get() PushTuning {
	if h == nil {
		return DefaultPushTuning()
	}
	return h.current.Load().(PushTuning)
}

func decodePushTuning(v *viper.Viper) (PushTuning, error) {
	var cfg PushTuning
	if err := v.UnmarshalKey("push", &cfg); err != nil {
		return PushTuning{}, err
	}
	return cfg, validatePushTuning(cfg)
}

func validatePushTuning(cfg PushTuning) error {
	if cfg.GlobalLimit <= 0 {
		return errors.New("push.globalLimit must be positive")
	}
	if cfg.PerUserLimit <= 0 {
		return errors.New("push.perUserLimit must be positive")
	}
	if cfg.Window <= 0 {
		return errors.New("push.window must be positive")
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > 1000 {
		return errors.New("push.batchSize must be between 1 and 1000")
	}
	return nil
}
