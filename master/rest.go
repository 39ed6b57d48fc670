// Copyright 2021 gorse Project Authors
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

package master

import (
	"net/http"
	"strconv"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/juju/errors"
	"github.com/progprogect/customer-data/base/log"
	"github.com/progprogect/customer-data/logics"
	"github.com/progprogect/customer-data/server"
	"go.uber.org/zap"
)

func (m *Master) CreateWebService() {
	ws := m.WebService
	ws.Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Path("/api/")
	ws.Filter(server.LogFilter)
	ws.Filter(m.AuthFilter)

	ws.Route(ws.POST("/index/{algorithm}").To(m.rebuildIndex).
		Doc("Rebuild the similarity index of an algorithm.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"index"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Param(ws.PathParameter("algorithm", "content or cf").DataType("string")).
		Param(ws.QueryParameter("wait", "wait for the rebuild to finish").DataType("boolean")).
		Returns(http.StatusOK, "rebuild finished", Task{}).
		Returns(http.StatusAccepted, "rebuild started", Task{}).
		Returns(http.StatusConflict, "rebuild running", nil).
		Returns(http.StatusUnprocessableEntity, "rebuild rejected by quality floors", Task{}).
		Writes(Task{}))
	ws.Route(ws.GET("/tasks").To(m.getTasks).
		Doc("Get rebuild tasks and the quality of their last builds.").
		Metadata(restfulspec.KeyOpenAPITags, []string{"index"}).
		Param(ws.HeaderParameter("X-API-Key", "secret key for RESTful API")).
		Writes([]Task{}))
}

func (m *Master) rebuildIndex(request *restful.Request, response *restful.Response) {
	algorithm := request.PathParameter("algorithm")
	wait := false
	if s := request.QueryParameter("wait"); s != "" {
		var err error
		if wait, err = strconv.ParseBool(s); err != nil {
			server.BadRequest(response, errors.NotValidf("wait %q", s))
			return
		}
	}
	name, err := m.startTask(algorithm)
	if errors.Is(err, errors.NotSupported) {
		server.BadRequest(response, err)
		return
	} else if err != nil {
		server.Conflict(response, err)
		return
	}
	if !wait {
		go func() {
			_, _ = m.rebuild(m.ctx, algorithm, name)
		}()
		task, _ := m.taskMonitor.Get(name)
		server.Accepted(response, task)
		return
	}

	_, err = m.rebuild(request.Request.Context(), algorithm, name)
	task, _ := m.taskMonitor.Get(name)
	switch {
	case logics.IsDataQualityError(err):
		response.Header().Set("Access-Control-Allow-Origin", "*")
		if err = response.WriteHeaderAndJson(http.StatusUnprocessableEntity, task, restful.MIME_JSON); err != nil {
			log.ResponseLogger(response).Error("failed to write json", zap.Error(err))
		}
	case err != nil:
		server.InternalServerError(response, err)
	default:
		server.Ok(response, task)
	}
}

func (m *Master) getTasks(_ *restful.Request, response *restful.Response) {
	server.Ok(response, m.taskMonitor.List())
}
