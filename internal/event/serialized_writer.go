// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"fmt"
	"io"
	"sync"
)

// serializedWriter uses a shared lock to serialize writes to its underlying
// writer.  All stderr sinks share one serializedWriter so their output is not
// interwoven.
type serializedWriter struct {
	w io.Writer
	l *sync.Mutex
}

// Write using a shared lock
func (s *serializedWriter) Write(p []byte) (int, error) {
	const op = "event.(serializedWriter).Write"
	if s == nil {
		return 0, fmt.Errorf("%s: missing serialized writer: %w", op, ErrInvalidParameter)
	}
	if s.l == nil {
		return 0, fmt.Errorf("%s: missing lock: %w", op, ErrInvalidParameter)
	}
	if s.w == nil {
		return 0, fmt.Errorf("%s: missing writer: %w", op, ErrInvalidParameter)
	}
	s.l.Lock()
	defer s.l.Unlock()
	return s.w.Write(p)
}
