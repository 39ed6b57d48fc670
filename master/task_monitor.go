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
	"sort"
	"sync"
	"time"

	"github.com/progprogect/customer-data/storage/cache"
)

const (
	TaskStatusPending  = "Pending"
	TaskStatusComplete = "Complete"
	TaskStatusRunning  = "Running"
	TaskStatusFailed   = "Failed"

	TaskRebuildContent       = "Rebuild content index"
	TaskRebuildCollaborative = "Rebuild collaborative index"
)

// taskNames maps algorithms to their rebuild tasks.
var taskNames = map[string]string{
	cache.Content:       TaskRebuildContent,
	cache.Collaborative: TaskRebuildCollaborative,
}

// Task progress information.
type Task struct {
	Name       string              `json:"name"`
	Status     string              `json:"status"`
	Done       int                 `json:"done"`
	Total      int                 `json:"total"`
	StartTime  time.Time           `json:"start_time"`
	FinishTime time.Time           `json:"finish_time"`
	Snapshot   *cache.SnapshotInfo `json:"snapshot,omitempty"` // quality of the last build
	Error      string              `json:"error,omitempty"`
}

// TaskMonitor monitors the progress of all tasks.
type TaskMonitor struct {
	TaskLock sync.Mutex
	Tasks    map[string]*Task
}

// NewTaskMonitor creates a TaskMonitor and add pending tasks.
func NewTaskMonitor() *TaskMonitor {
	task := make(map[string]*Task)
	for _, taskName := range []string{
		TaskRebuildContent,
		TaskRebuildCollaborative,
	} {
		task[taskName] = &Task{
			Name:   taskName,
			Status: TaskStatusPending,
		}
	}
	return &TaskMonitor{Tasks: task}
}

// Start a task.
func (tm *TaskMonitor) Start(name string, total int) {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	tm.start(name, total)
}

func (tm *TaskMonitor) start(name string, total int) {
	task, exist := tm.Tasks[name]
	if !exist {
		task = &Task{}
		tm.Tasks[name] = task
	}
	task.Name = name
	task.Status = TaskStatusRunning
	task.Done = 0
	task.Total = total
	task.StartTime = time.Now()
	task.FinishTime = time.Time{}
	task.Error = ""
}

// TryStart starts a task unless it is running.
func (tm *TaskMonitor) TryStart(name string, total int) bool {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	if task, exist := tm.Tasks[name]; exist && task.Status == TaskStatusRunning {
		return false
	}
	tm.start(name, total)
	return true
}

// Finish a task. The snapshot info is kept even when the build was rejected.
func (tm *TaskMonitor) Finish(name string, info *cache.SnapshotInfo, err error) {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	task, exist := tm.Tasks[name]
	if exist {
		task.Status = TaskStatusComplete
		task.Done = task.Total
		task.FinishTime = time.Now()
		if info != nil {
			task.Snapshot = info
		}
		if err != nil {
			task.Status = TaskStatusFailed
			task.Error = err.Error()
		}
	}
}

// Update the progress of a task.
func (tm *TaskMonitor) Update(name string, done, total int) {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	task, exist := tm.Tasks[name]
	if exist {
		task.Done = done
		task.Total = total
	}
}

// List all tasks.
func (tm *TaskMonitor) List() []Task {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	var task []Task
	for _, t := range tm.Tasks {
		task = append(task, *t)
	}
	sort.Sort(Tasks(task))
	return task
}

// Get a copy of a task.
func (tm *TaskMonitor) Get(name string) (Task, bool) {
	tm.TaskLock.Lock()
	defer tm.TaskLock.Unlock()
	task, exist := tm.Tasks[name]
	if exist {
		return *task, true
	}
	return Task{}, false
}

// Tasks is used to sort []Task.
type Tasks []Task

// Len is used to sort []Task.
func (t Tasks) Len() int {
	return len(t)
}

// Swap is used to sort []Task.
func (t Tasks) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

// Less is used to sort []Task.
func (t Tasks) Less(i, j int) bool {
	if t[i].Status != TaskStatusPending && t[j].Status == TaskStatusPending {
		return true
	} else if t[i].Status == TaskStatusPending && t[j].Status != TaskStatusPending {
		return false
	} else if t[i].Status == TaskStatusPending && t[j].Status == TaskStatusPending {
		return t[i].Name < t[j].Name
	} else {
		return t[i].StartTime.Before(t[j].StartTime)
	}
}
