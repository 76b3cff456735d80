/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

// Status is the derived health state of a machine. It is always a pure
// function of the last probe and collection outcomes; StatusUnknown appears
// only on records no cycle has touched yet.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
	StatusUnknown  Status = "unknown"
)

// DeriveStatus is the reconciliation rule mapping raw cycle outcomes to a
// status. collectionOK is only meaningful when the host was reachable.
func DeriveStatus(reachable, collectionOK bool) Status {
	switch {
	case !reachable:
		return StatusOffline
	case !collectionOK:
		return StatusDegraded
	default:
		return StatusOnline
	}
}
