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

package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a collection failure. Every kind leaves the host degraded,
// never fails the cycle.
type Kind string

const (
	KindAuthFailure  Kind = "auth_failure"
	KindTimeout      Kind = "timeout"
	KindParseFailure Kind = "parse_failure"
	KindUnreachable  Kind = "unreachable"
)

// CollectionError wraps a per-host collection failure with its kind. The
// kind string ends up in the record's last_error for diagnostics.
type CollectionError struct {
	Kind Kind
	Err  error
}

func (e *CollectionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func newCollectionError(kind Kind, err error) *CollectionError {
	return &CollectionError{Kind: kind, Err: err}
}

// classifyDialError maps SSH transport errors onto the failure taxonomy.
func classifyDialError(err error) *CollectionError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newCollectionError(KindTimeout, err)
	case isTimeout(err):
		return newCollectionError(KindTimeout, err)
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"),
		strings.Contains(err.Error(), "handshake failed"):
		return newCollectionError(KindAuthFailure, err)
	default:
		return newCollectionError(KindUnreachable, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
