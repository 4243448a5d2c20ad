package cmds

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-go-golems/chathistory/pkg/events"
	"github.com/go-go-golems/chathistory/pkg/history"
	"github.com/go-go-golems/chathistory/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type StoreSettings struct {
	Type        string `mapstructure:"store"`
	Path        string `mapstructure:"store-path"`
	DSN         string `mapstructure:"store-dsn"`
	MaxMessages int    `mapstructure:"max-messages"`
}

func LoadStoreSettings() (*StoreSettings, error) {
	s := &StoreSettings{}
	if err := viper.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode store settings")
	}
	if s.Type == "" {
		s.Type = "sqlite"
	}
	return s, nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chathistory"), nil
}

// pathOrDefault returns s.Path, or name inside ~/.chathistory.
func (s *StoreSettings) pathOrDefault(name string) (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	dir, err := defaultDataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// OpenStore builds the configured backend.
func OpenStore(ctx context.Context, s *StoreSettings) (history.Store, error) {
	opts := []history.StoreOption{history.WithMaxMessages(s.MaxMessages)}

	log.Debug().Str("store", s.Type).Str("path", s.Path).Msg("opening store")

	switch s.Type {
	case "memory":
		return history.NewInMemoryStore(opts...), nil
	case "file":
		dir, err := s.pathOrDefault("threads")
		if err != nil {
			return nil, err
		}
		return history.NewFileStore(dir, opts...)
	case "sqlite":
		path, err := s.pathOrDefault("history.db")
		if err != nil {
			return nil, err
		}
		dsn, err := history.SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return history.NewSQLiteStore(dsn, opts...)
	case "bolt":
		path, err := s.pathOrDefault("history.bolt")
		if err != nil {
			return nil, err
		}
		return history.NewBoltStore(path, opts...)
	case "postgres":
		if s.DSN == "" {
			return nil, errors.New("--store-dsn is required for the postgres store")
		}
		return history.NewPostgresStore(ctx, s.DSN, opts...)
	default:
		return nil, errors.Errorf("unknown store type %q", s.Type)
	}
}

// storeStack is a store plus the optional decorators a command asked for.
type storeStack struct {
	history.Store
	publishers *events.PublisherManager
	collectors *metrics.Collectors
}

type stackOption func(*storeStack) error

func withMetrics(c *metrics.Collectors) stackOption {
	return func(s *storeStack) error {
		s.collectors = c
		s.Store = metrics.NewInstrumentedStore(s.Store, c)
		return nil
	}
}

func withEvents(pm *events.PublisherManager) stackOption {
	return func(s *storeStack) error {
		s.publishers = pm
		s.Store = events.NewNotifyingStore(s.Store, pm)
		return nil
	}
}

func openStoreStack(ctx context.Context, opts ...stackOption) (*storeStack, error) {
	settings, err := LoadStoreSettings()
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, settings)
	if err != nil {
		return nil, err
	}
	ret := &storeStack{Store: store}
	for _, o := range opts {
		if err := o(ret); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return ret, nil
}

func closeStore(s history.Store) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close store")
	}
}
