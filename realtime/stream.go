/*
Copyright 2025 GrowSync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package realtime subscribes to the server-pushed change stream consumed by
// the reconciliation adapter.
package realtime

import "github.com/verdantlabs/growsync/model"

// Stream yields server-pushed change events in delivery order. The consumer
// never reorders; replay protection happens downstream against the cached
// version marker.
type Stream interface {
	Events() <-chan model.ChangeEvent
	Close() error
}
