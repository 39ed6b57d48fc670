// Copyright 2024 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store holds the live configuration. Readers get an immutable snapshot and
// reloads replace it as a whole, so a request never observes a half-applied update.
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore loads the configuration file at path. An empty path yields the defaults.
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewStoreFrom(path, cfg), nil
}

// NewStoreFrom wraps an already loaded configuration.
func NewStoreFrom(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Load returns the current configuration. The result must not be modified.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Weights returns the current fusion weights.
func (s *Store) Weights() WeightConfig {
	return s.current.Load().Weights
}

// OnChange registers a callback invoked after every successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload rereads the configuration file. An invalid file is rejected and the
// last known good configuration stays in effect.
func (s *Store) Reload() error {
	cfg, err := LoadConfig(s.path)
	if err != nil {
		return err
	}
	s.swap(cfg)
	return nil
}

// SetWeights replaces the fusion weights, keeping the rest of the configuration.
// A concurrent reload is never reverted.
func (s *Store) SetWeights(w WeightConfig) error {
	if err := w.Validate(); err != nil {
		return err
	}
	for {
		prev := s.current.Load()
		next := *prev
		next.Weights = w
		if s.current.CompareAndSwap(prev, &next) {
			s.notify(&next)
			return nil
		}
	}
}

func (s *Store) swap(cfg *Config) {
	s.current.Store(cfg)
	s.notify(cfg)
}

func (s *Store) notify(cfg *Config) {
	s.mu.Lock()
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file changes.
func (s *Store) Watch() error {
	if s.path == "" {
		return errors.New("no configuration file to watch")
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.Trace(err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			log.Logger().Error("failed to reload configuration, keep previous one",
				zap.String("path", e.Name), zap.Error(err))
			return
		}
		w := s.Weights()
		log.Logger().Info("configuration reloaded",
			zap.String("path", e.Name),
			zap.Float64("w_cf", w.CF),
			zap.Float64("w_cb", w.CB),
			zap.Float64("w_pop", w.Pop))
	})
	v.WatchConfig()
	return nil
}
