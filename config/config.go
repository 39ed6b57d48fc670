// Copyright 2020 gorse Project Authors
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
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

// Config is the configuration for the recommender.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Master        MasterConfig        `mapstructure:"master"`
	Server        ServerConfig        `mapstructure:"server"`
	Content       ContentConfig       `mapstructure:"content"`
	Collaborative CollaborativeConfig `mapstructure:"collaborative"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Popularity    PopularityConfig    `mapstructure:"popularity"`
	Weights       WeightConfig        `mapstructure:"weights"`
	Quality       QualityConfig       `mapstructure:"quality"`
}

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	DataStore        string        `mapstructure:"data_store" validate:"required"`  // database for items and interactions
	CacheStore       string        `mapstructure:"cache_store" validate:"required"` // database for similarity snapshots
	DataTablePrefix  string        `mapstructure:"data_table_prefix"`
	CacheTablePrefix string        `mapstructure:"cache_table_prefix"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// MasterConfig is the configuration for the master node which runs the indexers.
type MasterConfig struct {
	HttpHost            string        `mapstructure:"http_host"`
	HttpPort            int           `mapstructure:"http_port" validate:"gte=0"`
	NumJobs             int           `mapstructure:"n_jobs" validate:"gt=0"`
	ContentPeriod       time.Duration `mapstructure:"content_period" validate:"gt=0"`
	CollaborativePeriod time.Duration `mapstructure:"collaborative_period" validate:"gt=0"`
}

// ServerConfig is the configuration for the online server.
type ServerConfig struct {
	HttpHost         string        `mapstructure:"http_host"`
	HttpPort         int           `mapstructure:"http_port" validate:"gte=0"`
	APIKey           string        `mapstructure:"api_key"`
	DefaultN         int           `mapstructure:"default_n" validate:"gt=0"`
	MaxN             int           `mapstructure:"max_n" validate:"gtefield=DefaultN"`
	FallbackPopular  bool          `mapstructure:"fallback_popular"`
	CatalogCacheTTL  time.Duration `mapstructure:"catalog_cache_ttl" validate:"gte=0"`
	CatalogCacheSize uint64        `mapstructure:"catalog_cache_size"`
}

// ContentConfig is the configuration for the content similarity indexer.
type ContentConfig struct {
	TopK              int     `mapstructure:"top_k" validate:"gt=0"`
	MinScore          float64 `mapstructure:"min_score" validate:"gte=0,lte=1"`
	BlockSize         int     `mapstructure:"block_size" validate:"gt=0"`
	MaxVocabulary     int     `mapstructure:"max_vocabulary" validate:"gt=0"`
	MinDocFreq        int     `mapstructure:"min_doc_freq" validate:"gte=1"`
	MaxDocFreq        float64 `mapstructure:"max_doc_freq" validate:"gt=0,lte=1"`
	TagsWeight        float64 `mapstructure:"tags_weight" validate:"gte=0"`
	CategoricalWeight float64 `mapstructure:"categorical_weight" validate:"gte=0"`
	NumericWeight     float64 `mapstructure:"numeric_weight" validate:"gte=0"`
}

// CollaborativeConfig is the configuration for the item-kNN indexer.
type CollaborativeConfig struct {
	TopK         int           `mapstructure:"top_k" validate:"gt=0"`
	MinScore     float64       `mapstructure:"min_score" validate:"gte=0,lte=1"`
	BlockSize    int           `mapstructure:"block_size" validate:"gt=0"`
	MinCoUsers   int           `mapstructure:"min_co_users" validate:"gte=1"`
	MinItemUsers int           `mapstructure:"min_item_users" validate:"gte=1"`
	Window       time.Duration `mapstructure:"window" validate:"gt=0"`
}

// RetrievalConfig is the configuration for candidate retrieval.
type RetrievalConfig struct {
	HistorySize     int           `mapstructure:"history_size" validate:"gt=0"`
	MinHistory      int           `mapstructure:"min_history" validate:"gte=0,ltefield=HistorySize"`
	RecencyDecay    float64       `mapstructure:"recency_decay" validate:"gt=0,lte=1"`
	ContentSeeds    int           `mapstructure:"content_seeds" validate:"gt=0"`
	CandidateLimit  int           `mapstructure:"candidate_limit" validate:"gt=0"`
	NeighborLimit   int           `mapstructure:"neighbor_limit" validate:"gt=0"`
	SourceTimeout   time.Duration `mapstructure:"source_timeout" validate:"gt=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

// PopularityConfig is the configuration for the popularity source.
type PopularityConfig struct {
	Score         string  `mapstructure:"score" validate:"required"`
	CategoryBoost float64 `mapstructure:"category_boost" validate:"gte=1"`
}

// QualityConfig holds the sanity floors applied after an index rebuild.
type QualityConfig struct {
	MinEdges    int     `mapstructure:"min_edges" validate:"gte=1"`
	MinCoverage float64 `mapstructure:"min_coverage" validate:"gte=0,lte=1"`
	// MinMeanCoUsers applies to collaborative indices only, zero disables it.
	MinMeanCoUsers float64 `mapstructure:"min_mean_co_users" validate:"gte=0"`
}

// WeightConfig holds the score fusion weights of the hybrid reranker.
type WeightConfig struct {
	CF              float64 `mapstructure:"w_cf" json:"w_cf" validate:"gte=0"`
	CB              float64 `mapstructure:"w_cb" json:"w_cb" validate:"gte=0"`
	Pop             float64 `mapstructure:"w_pop" json:"w_pop" validate:"gte=0"`
	DiversityStep   float64 `mapstructure:"diversity_penalty_step" json:"diversity_penalty_step" validate:"gte=0"`
	DiversityCap    float64 `mapstructure:"diversity_penalty_cap" json:"diversity_penalty_cap" validate:"gte=0"`
	DiversityWeight float64 `mapstructure:"diversity_penalty_weight" json:"diversity_penalty_weight" validate:"gte=0"`
	NoveltyWeight   float64 `mapstructure:"novelty_bonus_weight" json:"novelty_bonus_weight" validate:"gte=0"`
	PriceWeight     float64 `mapstructure:"price_penalty_weight" json:"price_penalty_weight" validate:"gte=0"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataStore:  "sqlite://data.db",
			CacheStore: "sqlite://cache.db",
		},
		Master: MasterConfig{
			HttpHost:            "0.0.0.0",
			HttpPort:            8088,
			NumJobs:             1,
			ContentPeriod:       24 * time.Hour,
			CollaborativePeriod: 6 * time.Hour,
		},
		Server: ServerConfig{
			HttpHost:         "0.0.0.0",
			HttpPort:         8087,
			DefaultN:         20,
			MaxN:             50,
			FallbackPopular:  true,
			CatalogCacheTTL:  10 * time.Minute,
			CatalogCacheSize: 100000,
		},
		Content: ContentConfig{
			TopK:              50,
			MinScore:          0.01,
			BlockSize:         100,
			MaxVocabulary:     500,
			MinDocFreq:        2,
			MaxDocFreq:        0.8,
			TagsWeight:        0.4,
			CategoricalWeight: 0.2,
			NumericWeight:     0.3,
		},
		Collaborative: CollaborativeConfig{
			TopK:         50,
			MinScore:     0.01,
			BlockSize:    100,
			MinCoUsers:   5,
			MinItemUsers: 5,
			Window:       180 * 24 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			HistorySize:     5,
			MinHistory:      2,
			RecencyDecay:    0.9,
			ContentSeeds:    3,
			CandidateLimit:  100,
			NeighborLimit:   50,
			SourceTimeout:   500 * time.Millisecond,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Popularity: PopularityConfig{
			Score:         "item.Popularity",
			CategoryBoost: 1.5,
		},
		Weights: WeightConfig{
			CF:              0.15,
			CB:              0.15,
			Pop:             0.7,
			DiversityStep:   0.1,
			DiversityCap:    0.5,
			DiversityWeight: 0.01,
			NoveltyWeight:   0.01,
			PriceWeight:     0.01,
		},
		Quality: QualityConfig{
			MinEdges:    1,
			MinCoverage: 0.01,
		},
	}
}

func setDefault(v *viper.Viper) {
	defaultConfig := GetDefaultConfig()
	// [database]
	v.SetDefault("database.data_store", defaultConfig.Database.DataStore)
	v.SetDefault("database.cache_store", defaultConfig.Database.CacheStore)
	// [master]
	v.SetDefault("master.http_host", defaultConfig.Master.HttpHost)
	v.SetDefault("master.http_port", defaultConfig.Master.HttpPort)
	v.SetDefault("master.n_jobs", defaultConfig.Master.NumJobs)
	v.SetDefault("master.content_period", defaultConfig.Master.ContentPeriod)
	v.SetDefault("master.collaborative_period", defaultConfig.Master.CollaborativePeriod)
	// [server]
	v.SetDefault("server.http_host", defaultConfig.Server.HttpHost)
	v.SetDefault("server.http_port", defaultConfig.Server.HttpPort)
	v.SetDefault("server.default_n", defaultConfig.Server.DefaultN)
	v.SetDefault("server.max_n", defaultConfig.Server.MaxN)
	v.SetDefault("server.fallback_popular", defaultConfig.Server.FallbackPopular)
	v.SetDefault("server.catalog_cache_ttl", defaultConfig.Server.CatalogCacheTTL)
	v.SetDefault("server.catalog_cache_size", defaultConfig.Server.CatalogCacheSize)
	// [content]
	v.SetDefault("content.top_k", defaultConfig.Content.TopK)
	v.SetDefault("content.min_score", defaultConfig.Content.MinScore)
	v.SetDefault("content.block_size", defaultConfig.Content.BlockSize)
	v.SetDefault("content.max_vocabulary", defaultConfig.Content.MaxVocabulary)
	v.SetDefault("content.min_doc_freq", defaultConfig.Content.MinDocFreq)
	v.SetDefault("content.max_doc_freq", defaultConfig.Content.MaxDocFreq)
	v.SetDefault("content.tags_weight", defaultConfig.Content.TagsWeight)
	v.SetDefault("content.categorical_weight", defaultConfig.Content.CategoricalWeight)
	v.SetDefault("content.numeric_weight", defaultConfig.Content.NumericWeight)
	// [collaborative]
	v.SetDefault("collaborative.top_k", defaultConfig.Collaborative.TopK)
	v.SetDefault("collaborative.min_score", defaultConfig.Collaborative.MinScore)
	v.SetDefault("collaborative.block_size", defaultConfig.Collaborative.BlockSize)
	v.SetDefault("collaborative.min_co_users", defaultConfig.Collaborative.MinCoUsers)
	v.SetDefault("collaborative.min_item_users", defaultConfig.Collaborative.MinItemUsers)
	v.SetDefault("collaborative.window", defaultConfig.Collaborative.Window)
	// [retrieval]
	v.SetDefault("retrieval.history_size", defaultConfig.Retrieval.HistorySize)
	v.SetDefault("retrieval.min_history", defaultConfig.Retrieval.MinHistory)
	v.SetDefault("retrieval.recency_decay", defaultConfig.Retrieval.RecencyDecay)
	v.SetDefault("retrieval.content_seeds", defaultConfig.Retrieval.ContentSeeds)
	v.SetDefault("retrieval.candidate_limit", defaultConfig.Retrieval.CandidateLimit)
	v.SetDefault("retrieval.neighbor_limit", defaultConfig.Retrieval.NeighborLimit)
	v.SetDefault("retrieval.source_timeout", defaultConfig.Retrieval.SourceTimeout)
	v.SetDefault("retrieval.breaker_failures", defaultConfig.Retrieval.BreakerFailures)
	v.SetDefault("retrieval.breaker_timeout", defaultConfig.Retrieval.BreakerTimeout)
	// [popularity]
	v.SetDefault("popularity.score", defaultConfig.Popularity.Score)
	v.SetDefault("popularity.category_boost", defaultConfig.Popularity.CategoryBoost)
	// [weights]
	v.SetDefault("weights.w_cf", defaultConfig.Weights.CF)
	v.SetDefault("weights.w_cb", defaultConfig.Weights.CB)
	v.SetDefault("weights.w_pop", defaultConfig.Weights.Pop)
	v.SetDefault("weights.diversity_penalty_step", defaultConfig.Weights.DiversityStep)
	v.SetDefault("weights.diversity_penalty_cap", defaultConfig.Weights.DiversityCap)
	v.SetDefault("weights.diversity_penalty_weight", defaultConfig.Weights.DiversityWeight)
	v.SetDefault("weights.novelty_bonus_weight", defaultConfig.Weights.NoveltyWeight)
	v.SetDefault("weights.price_penalty_weight", defaultConfig.Weights.PriceWeight)
	// [quality]
	v.SetDefault("quality.min_edges", defaultConfig.Quality.MinEdges)
	v.SetDefault("quality.min_coverage", defaultConfig.Quality.MinCoverage)
	v.SetDefault("quality.min_mean_co_users", defaultConfig.Quality.MinMeanCoUsers)
}

type configBinding struct {
	key string
	env string
}

var bindings = []configBinding{
	{"database.data_store", "HYBRID_DATA_STORE"},
	{"database.cache_store", "HYBRID_CACHE_STORE"},
	{"database.data_table_prefix", "HYBRID_DATA_TABLE_PREFIX"},
	{"database.cache_table_prefix", "HYBRID_CACHE_TABLE_PREFIX"},
	{"master.http_host", "HYBRID_MASTER_HTTP_HOST"},
	{"master.http_port", "HYBRID_MASTER_HTTP_PORT"},
	{"master.n_jobs", "HYBRID_MASTER_JOBS"},
	{"server.http_host", "HYBRID_SERVER_HTTP_HOST"},
	{"server.http_port", "HYBRID_SERVER_HTTP_PORT"},
	{"server.api_key", "HYBRID_SERVER_API_KEY"},
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefault(v)
	for _, binding := range bindings {
		if err := v.BindEnv(binding.key, binding.env); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Trace(err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads configuration from a TOML file. Missing keys take default values and
// environment variables override the file.
func LoadConfig(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// ConfigError reports configuration values rejected at load time.
type ConfigError struct {
	Fields []string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Fields, "; "))
}

func (e *ConfigError) Unwrap() error {
	return e.cause
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return errors.Trace(err)
	}
	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields = append(fields, fmt.Sprintf("%s must satisfy %s %s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return &ConfigError{Fields: fields, cause: err}
}

// Validate checks every section of the configuration.
func (config *Config) Validate() error {
	return validateStruct(config)
}

// Validate checks the fusion weights.
func (w *WeightConfig) Validate() error {
	return validateStruct(w)
}
