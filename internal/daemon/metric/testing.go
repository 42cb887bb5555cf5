// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TestableObserverVec allows us to assert which observations are being made
// with which labels.
type TestableObserverVec struct {
	Observations []*TestableObserver
	prometheus.ObserverVec
}

func (v *TestableObserverVec) With(l prometheus.Labels) prometheus.Observer {
	ret := &TestableObserver{Labels: l}
	v.Observations = append(v.Observations, ret)
	return ret
}

type TestableObserver struct {
	Labels      prometheus.Labels
	Observation float64
}

func (o *TestableObserver) Observe(f float64) {
	o.Observation = f
}
