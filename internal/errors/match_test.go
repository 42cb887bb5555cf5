// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package errors_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/hashicorp/trellis/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestT(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []any
		want *errors.Template
	}{
		{
			name: "code",
			args: []any{errors.NotFound},
			want: &errors.Template{Err: errors.Err{Code: errors.NotFound}},
		},
		{
			name: "msg-and-op",
			args: []any{"test msg", errors.Op("alice.Bob")},
			want: &errors.Template{Err: errors.Err{Msg: "test msg", Op: "alice.Bob"}},
		},
		{
			name: "kind",
			args: []any{errors.Transport},
			want: &errors.Template{Kind: errors.Transport},
		},
		{
			name: "ignored-args",
			args: []any{22},
			want: &errors.Template{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.T(tt.args...))
		})
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	err := errors.New(ctx, errors.Unavailable, "router.(Router).Dial", "no healthy endpoints for payments")
	wrapped := errors.Wrap(ctx, err, "proxy.(Proxy).handleConn")

	tests := []struct {
		name     string
		template *errors.Template
		err      error
		want     bool
	}{
		{name: "nil-template", template: nil, err: err, want: false},
		{name: "nil-err", template: errors.T(errors.Unavailable), err: nil, want: false},
		{name: "match-code", template: errors.T(errors.Unavailable), err: err, want: true},
		{name: "match-kind", template: errors.T(errors.Transport), err: err, want: true},
		{name: "match-op", template: errors.T(errors.Op("router.(Router).Dial")), err: err, want: true},
		{name: "match-wrapped-code", template: errors.T(errors.Unavailable), err: wrapped, want: true},
		{name: "no-match-code", template: errors.T(errors.NotFound), err: err, want: false},
		{name: "no-match-op", template: errors.T(errors.Op("other.Op")), err: err, want: false},
		{name: "not-domain-err", template: errors.T(errors.Unavailable), err: stderrors.New("std"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Match(tt.template, tt.err))
		})
	}
}
