// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit provides the rate limit configuration and limiter used on
// the proxy's inbound accept path and the ops server's tap subscriptions.
package ratelimit
