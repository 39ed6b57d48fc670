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

package server

import (
	"context"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/storage"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Server manages states of a server node.
type Server struct {
	RestServer
	catalog     *data.CachedCatalog
	recommender *logics.Recommender
	watch       bool
}

// NewServer creates a server node. The configuration file is watched for weight
// changes when watch is set.
func NewServer(store *config.Store, watch bool) *Server {
	cfg := store.Load()
	return &Server{
		watch: watch,
		RestServer: RestServer{
			Config:      store,
			DataClient:  data.NoDatabase{},
			CacheClient: cache.NoDatabase{},
			HttpHost:    cfg.Server.HttpHost,
			HttpPort:    cfg.Server.HttpPort,
			WebService:  new(restful.WebService),
		},
	}
}

// Serve starts a server node.
func (s *Server) Serve() {
	cfg := s.Config.Load()
	var err error
	s.DataClient, err = data.Open(cfg.Database.DataStore, cfg.Database.DataTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		log.Logger().Fatal("failed to connect data database", zap.Error(err),
			zap.String("database", log.RedactDBURL(cfg.Database.DataStore)))
	}
	if err = s.DataClient.Init(); err != nil {
		log.Logger().Fatal("failed to init database", zap.Error(err))
	}
	s.CacheClient, err = cache.Open(cfg.Database.CacheStore, cfg.Database.CacheTablePrefix,
		storage.WithDatabaseConfig(cfg.Database))
	if err != nil {
		log.Logger().Fatal("failed to connect cache database", zap.Error(err),
			zap.String("database", log.RedactDBURL(cfg.Database.CacheStore)))
	}
	if err = s.CacheClient.Init(); err != nil {
		log.Logger().Fatal("failed to init database", zap.Error(err))
	}
	if err = s.init(); err != nil {
		log.Logger().Fatal("failed to create recommender", zap.Error(err))
	}
	if s.watch {
		if err = s.Config.Watch(); err != nil {
			log.Logger().Warn("failed to watch configuration", zap.Error(err))
		}
	}

	log.Logger().Info("start server",
		zap.String("server_host", s.HttpHost),
		zap.Int("server_port", s.HttpPort),
		zap.Any("weights", cfg.Weights))
	s.CreateWebService()
	s.StartHttpServer(restful.NewContainer())
}

// init builds the recommender on the connected databases.
func (s *Server) init() error {
	cfg := s.Config.Load()
	s.catalog = data.NewCachedCatalog(s.DataClient, cfg.Server.CatalogCacheTTL, cfg.Server.CatalogCacheSize)
	var err error
	s.recommender, err = logics.NewRecommender(s.Config, s.catalog, s.CacheClient)
	return errors.Trace(err)
}

// Shutdown stops the http server and closes databases.
func (s *Server) Shutdown(ctx context.Context) {
	if s.HttpServer != nil {
		if err := s.HttpServer.Shutdown(ctx); err != nil {
			log.Logger().Error("failed to shutdown http server", zap.Error(err))
		}
	}
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			log.Logger().Error("failed to close data database", zap.Error(err))
		}
	}
	if err := s.CacheClient.Close(); err != nil {
		log.Logger().Error("failed to close cache database", zap.Error(err))
	}
}

// CreateWebService creates web service.
func (s *Server) CreateWebService() {
	ws := s.WebService
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(LogFilter)
	ws.Filter(s.AuthFilter)

	ws.Route(ws.GET("/recommend/{user-id}").To(s.getRecommend).
		Doc("Get hybrid recommendations for a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommendation"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("user-id", "identifier of the user").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned items").DataType("int")).
		Returns(200, "OK", logics.Recommendation{}).
		Returns(503, "every candidate source failed", nil).
		Writes(logics.Recommendation{}))
	ws.Route(ws.GET("/item/{item-id}/similar").To(s.getSimilar).
		Doc("Get similar items.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"item"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("item-id", "identifier of the item").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned items").DataType("int")).
		Param(ws.QueryParameter("algorithm", "content or cf").DataType("string").DefaultValue(cache.Content)).
		Writes([]cache.SimilarityEdge{}))
	ws.Route(ws.GET("/user/{user-id}/history").To(s.getHistory).
		Doc("Get recent purchases of a user.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"user"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("user-id", "identifier of the user").DataType("string")).
		Param(ws.QueryParameter("n", "number of returned purchases").DataType("int")).
		Writes([]data.Interaction{}))
	ws.Route(ws.GET("/popular").To(s.getPopular).
		Doc("Get popular items.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"recommendation"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.QueryParameter("n", "number of returned items").DataType("int")).
		Writes([]logics.Scored{}))
	ws.Route(ws.GET("/stats").To(s.getStats).
		Doc("Get quality of the installed snapshots.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"stats"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Writes(Stats{}))
	ws.Route(ws.GET("/weights").To(s.getWeights).
		Doc("Get fusion weights in effect.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"stats"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Writes(config.WeightConfig{}))
}

// parseN reads the list length, capped by the configured maximum.
func (s *Server) parseN(request *restful.Request) (int, error) {
	cfg := s.Config.Load().Server
	n, err := ParseInt(request, "n", cfg.DefaultN)
	if err != nil {
		return 0, errors.NotValidf("n %q", request.QueryParameter("n"))
	}
	if n < 0 {
		return 0, errors.NotValidf("n %d", n)
	}
	return min(n, cfg.MaxN), nil
}

func (s *Server) getRecommend(request *restful.Request, response *restful.Response) {
	start := time.Now()
	userId := request.PathParameter("user-id")
	n, err := s.parseN(request)
	if err != nil {
		BadRequest(response, err)
		return
	}
	ctx := request.Request.Context()
	result, err := s.recommender.RecommendDetail(ctx, userId, n)
	if errors.Is(err, logics.ErrAllSourcesFailed) {
		ServiceUnavailable(response, err)
		return
	} else if err != nil {
		InternalServerError(response, err)
		return
	}
	for source, count := range result.Candidates {
		CandidatesTotal.WithLabelValues(source).Add(float64(count))
	}
	for _, source := range result.Failed {
		SourceFailuresTotal.WithLabelValues(source).Inc()
	}
	if len(result.Items) == 0 && n > 0 && s.Config.Load().Server.FallbackPopular {
		result.Items, err = s.recommender.PopularFallback(ctx, userId, n)
		if err != nil {
			InternalServerError(response, err)
			return
		}
		result.Fallback = true
		FallbackTotal.Inc()
	}
	result.ElapsedTime = time.Since(start)
	RecommendSeconds.Observe(result.ElapsedTime.Seconds())
	Ok(response, result)
}

func (s *Server) getSimilar(request *restful.Request, response *restful.Response) {
	itemId := request.PathParameter("item-id")
	n, err := s.parseN(request)
	if err != nil {
		BadRequest(response, err)
		return
	}
	algorithm := lo.CoalesceOrEmpty(request.QueryParameter("algorithm"), cache.Content)
	if algorithm != cache.Content && algorithm != cache.Collaborative {
		BadRequest(response, errors.NotValidf("algorithm %q", algorithm))
		return
	}
	edges, err := s.recommender.Similar(request.Request.Context(), algorithm, itemId, n)
	if err != nil {
		InternalServerError(response, err)
		return
	}
	Ok(response, edges)
}

func (s *Server) getHistory(request *restful.Request, response *restful.Response) {
	userId := request.PathParameter("user-id")
	n, err := s.parseN(request)
	if err != nil {
		BadRequest(response, err)
		return
	}
	if n == 0 {
		Ok(response, []data.Interaction{})
		return
	}
	history, err := s.recommender.History(request.Request.Context(), userId, n)
	if err != nil {
		InternalServerError(response, err)
		return
	}
	if history == nil {
		history = []data.Interaction{}
	}
	Ok(response, history)
}

func (s *Server) getPopular(request *restful.Request, response *restful.Response) {
	n, err := s.parseN(request)
	if err != nil {
		BadRequest(response, err)
		return
	}
	popular, err := s.recommender.Popular(request.Request.Context(), n)
	if err != nil {
		InternalServerError(response, err)
		return
	}
	if popular == nil {
		popular = []logics.Scored{}
	}
	Ok(response, popular)
}

// Stats reports installed snapshots and the state of source circuit breakers.
type Stats struct {
	Snapshots map[string]cache.SnapshotInfo `json:"snapshots"`
	Breakers  map[string]string             `json:"breakers"`
}

func (s *Server) getStats(request *restful.Request, response *restful.Response) {
	snapshots, err := s.recommender.Stats(request.Request.Context())
	if err != nil {
		InternalServerError(response, err)
		return
	}
	breakers := make(map[string]string)
	for _, source := range []string{logics.SourceCF, logics.SourceContent, logics.SourcePopular} {
		breakers[source] = s.recommender.Retriever().BreakerState(source)
	}
	Ok(response, Stats{Snapshots: snapshots, Breakers: breakers})
}

func (s *Server) getWeights(_ *restful.Request, response *restful.Response) {
	Ok(response, s.Config.Weights())
}
