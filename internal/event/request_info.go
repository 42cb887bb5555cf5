// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

// RequestInfo defines the fields captured about a proxied request or
// connection for the events it generates.
type RequestInfo struct {
	// EventId is the id shared by all gated events for one connection; it is
	// never serialized with the event payload.
	EventId      string `json:"-"`
	Id           string `json:"id,omitempty"`
	Method       string `json:"method,omitempty"`
	Path         string `json:"path,omitempty"`
	Authority    string `json:"authority,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	Direction    string `json:"direction,omitempty"`
	ClientIp     string `json:"client_ip,omitempty"`
	ConnectionId string `json:"connection_id,omitempty"`
}

// TestRequestInfo provides a RequestInfo for tests
func TestRequestInfo(id, eventId string) *RequestInfo {
	return &RequestInfo{
		EventId:   eventId,
		Id:        id,
		Method:    "GET",
		Path:      "/healthz",
		Direction: "inbound",
		ClientIp:  "127.0.0.1",
	}
}
