// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	gvers "github.com/hashicorp/go-version"
)

type Feature int

const (
	UnknownFeature Feature = iota

	// DiscoveryProfilesFeature marks control planes able to serve per-route
	// profiles alongside endpoint sets.
	DiscoveryProfilesFeature

	// EndpointIdentityFeature marks control planes that include TLS identity
	// names in discovery responses.
	EndpointIdentityFeature
)

// featureMap constrains each feature to the control plane versions that
// provide it. The data plane consults this before using optional parts of
// the discovery API.
var featureMap map[Feature]gvers.Constraints

func init() {
	if featureMap == nil {
		featureMap = make(map[Feature]gvers.Constraints)
	}
	profilesConstraint, err := gvers.NewConstraint(">= 0.1.0")
	if err != nil {
		panic(err)
	}
	featureMap[DiscoveryProfilesFeature] = profilesConstraint

	identityConstraint, err := gvers.NewConstraint(">= 0.1.0")
	if err != nil {
		panic(err)
	}
	featureMap[EndpointIdentityFeature] = identityConstraint
}

// SupportsFeature reports whether the given version provides feature. An
// unknown feature is never supported.
func SupportsFeature(version *gvers.Version, feature Feature) bool {
	featureConstraint, found := featureMap[feature]
	if !found {
		return false
	}
	return featureConstraint.Check(version)
}

// GetReleaseVersion returns the binary's own version as a parsed semver.
func GetReleaseVersion() (*gvers.Version, error) {
	ver := Get()
	return gvers.NewVersion(ver.Version)
}
