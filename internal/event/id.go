// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/base62"
)

const IdPrefix = "e"

// NewId creates a new event id with the provided prefix. Ids are kept here
// rather than leaning on another package so the event package stays at the
// bottom of the dependency graph.
func NewId(prefix string) (string, error) {
	const op = "event.NewId"
	if prefix == "" {
		return "", fmt.Errorf("%s: missing prefix: %w", op, ErrInvalidParameter)
	}
	id, err := base62.Random(10)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id %v: %w", op, err, ErrIo)
	}
	return fmt.Sprintf("%s_%s", prefix, id), nil
}
