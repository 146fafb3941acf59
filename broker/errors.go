// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrSessionNotFound is returned for an operation on an unknown client.
	ErrSessionNotFound = errors.New("broker: session not found")
	// ErrNotAuthorized is returned on an authentication or ACL deny.
	ErrNotAuthorized = errors.New("broker: not authorized")
	// ErrRateLimited is returned when a session exceeds its publish rate.
	ErrRateLimited = errors.New("broker: publish rate exceeded")
	// ErrDropped is returned when the hook chain dropped the publish.
	ErrDropped = errors.New("broker: message dropped by hook")
)
