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
	"fmt"
	"net/http"
	"strconv"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
	"github.com/progprogect/customer-data/storage/data"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const apiDocsPath = "/apidocs.json"

// RestServer implements a REST-ful API server.
type RestServer struct {
	Config      *config.Store
	CacheClient cache.Database
	DataClient  data.Database
	HttpHost    string
	HttpPort    int
	WebService  *restful.WebService
	HttpServer  *http.Server
}

// StartHttpServer starts the REST-ful API server. The web service must be
// created before.
func (s *RestServer) StartHttpServer(container *restful.Container) {
	container.Add(s.WebService)
	// register OpenAPI spec
	specConfig := restfulspec.Config{
		WebServices: container.RegisteredWebServices(),
		APIPath:     apiDocsPath,
	}
	container.Add(restfulspec.NewOpenAPIService(specConfig))
	// register prometheus
	container.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.HttpHost, s.HttpPort)
	log.Logger().Info("start http server", zap.String("url", "http://"+addr))
	s.HttpServer = &http.Server{
		Addr:    addr,
		Handler: container,
	}
	if err := s.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Logger().Fatal("failed to start http server", zap.Error(err))
	}
}

// LogFilter tags every request with an id and logs it with its latency.
func LogFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	requestId := req.Request.Header.Get("X-Request-ID")
	if requestId == "" {
		requestId = uuid.New().String()
	}
	resp.Header().Set("X-Request-ID", requestId)
	start := time.Now()
	chain.ProcessFilter(req, resp)
	elapsed := time.Since(start)
	route := req.SelectedRoutePath()
	RequestSeconds.WithLabelValues(req.Request.Method, route, strconv.Itoa(resp.StatusCode())).
		Observe(elapsed.Seconds())
	log.ResponseLogger(resp).Info(fmt.Sprintf("%s %s", req.Request.Method, req.Request.URL),
		zap.Int("status_code", resp.StatusCode()),
		zap.Duration("elapsed", elapsed))
}

// AuthFilter rejects requests without the configured API key.
func (s *RestServer) AuthFilter(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	apiKey := s.Config.Load().Server.APIKey
	if apiKey == "" || req.HeaderParameter("X-API-Key") == apiKey {
		chain.ProcessFilter(req, resp)
		return
	}
	log.ResponseLogger(resp).Error("unauthorized", zap.String("path", req.Request.URL.Path))
	if err := resp.WriteError(http.StatusUnauthorized, errors.New("unauthorized")); err != nil {
		log.ResponseLogger(resp).Error("failed to write error", zap.Error(err))
	}
}

// ParseInt parses integers from the query parameter.
func ParseInt(request *restful.Request, name string, fallback int) (value int, err error) {
	valueString := request.QueryParameter(name)
	value, err = strconv.Atoi(valueString)
	if err != nil && valueString == "" {
		value = fallback
		err = nil
	}
	return
}

// BadRequest returns a bad request error.
func BadRequest(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Error("bad request", zap.Error(err))
	if err = response.WriteError(http.StatusBadRequest, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// InternalServerError returns a internal server error.
func InternalServerError(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Error("internal server error", zap.Error(err))
	if err = response.WriteError(http.StatusInternalServerError, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// ServiceUnavailable returns a service unavailable error.
func ServiceUnavailable(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	log.ResponseLogger(response).Error("service unavailable", zap.Error(err))
	if err = response.WriteError(http.StatusServiceUnavailable, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// Conflict returns a conflict error.
func Conflict(response *restful.Response, err error) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err = response.WriteError(http.StatusConflict, err); err != nil {
		log.ResponseLogger(response).Error("failed to write error", zap.Error(err))
	}
}

// Ok sends the content as JSON to the client.
func Ok(response *restful.Response, content any) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteAsJson(content); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}

// Accepted sends the content as JSON with status 202.
func Accepted(response *restful.Response, content any) {
	response.Header().Set("Access-Control-Allow-Origin", "*")
	if err := response.WriteHeaderAndJson(http.StatusAccepted, content, restful.MIME_JSON); err != nil {
		log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
	}
}
