// Copyright 2025 gorse Project Authors
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

package logics

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/progprogect/customer-data/config"
	"github.com/progprogect/customer-data/storage/cache"
)

var (
	ErrAllSourcesFailed = errors.New("all candidate sources failed")
	ErrRebuildRunning   = errors.AlreadyExistsf("rebuild")
)

// DataQualityError rejects a rebuilt index whose quality is below the floors.
// The previous snapshot stays installed.
type DataQualityError struct {
	Info   cache.SnapshotInfo
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("%s index rejected: %s (edges=%d, coverage=%.4f, mean_co_users=%.2f)",
		e.Info.Algorithm, e.Reason, e.Info.Edges, e.Info.Coverage, e.Info.MeanCoUsers)
}

// CheckQuality validates a rebuilt index against the quality floors.
func CheckQuality(info cache.SnapshotInfo, floors config.QualityConfig) error {
	switch {
	case info.Edges == 0:
		return &DataQualityError{Info: info, Reason: "no edges"}
	case info.Edges < floors.MinEdges:
		return &DataQualityError{Info: info, Reason: fmt.Sprintf("fewer than %d edges", floors.MinEdges)}
	case info.Coverage < floors.MinCoverage:
		return &DataQualityError{Info: info, Reason: fmt.Sprintf("coverage below %.4f", floors.MinCoverage)}
	case info.Algorithm == cache.Collaborative && floors.MinMeanCoUsers > 0 && info.MeanCoUsers < floors.MinMeanCoUsers:
		return &DataQualityError{Info: info, Reason: fmt.Sprintf("mean co-users below %.2f", floors.MinMeanCoUsers)}
	}
	return nil
}

// IsDataQualityError reports whether err rejected an index for its quality.
func IsDataQualityError(err error) bool {
	var target *DataQualityError
	return errors.As(err, &target)
}
