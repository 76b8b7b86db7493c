// Package discovery keeps track of peer devices reachable over the network.
//
// A peer is added by address. The address is expanded into candidate URLs,
// each candidate is probed on its public info endpoint, and the first one
// that identifies as a kolibri device is stored in canonical form.
package discovery

import "time"

// Connection statuses recorded on a location after a probe
const (
	StatusUnknown           = "Unknown"
	StatusOkay              = "Okay"
	StatusConnectionFailure = "ConnectionFailure"
	StatusResponseTimeout   = "ResponseTimeout"
	StatusInvalidResponse   = "InvalidResponse"
)

// NetworkLocation is a stored peer address and what the peer last reported.
type NetworkLocation struct {
	ID                  string     `json:"id"`
	BaseURL             string     `json:"base_url"`
	Nickname            string     `json:"nickname"`
	Application         string     `json:"application"`
	DeviceID            string     `json:"device_id"`
	DeviceName          string     `json:"device_name"`
	KolibriVersion      string     `json:"kolibri_version"`
	OperatingSystem     string     `json:"operating_system"`
	SubsetOfUsersDevice bool       `json:"subset_of_users_device"`
	Available           bool       `json:"available"`
	ConnectionStatus    string     `json:"connection_status"`
	Added               time.Time  `json:"added"`
	LastAccessed        *time.Time `json:"last_accessed,omitempty"`
}

// apply copies what a successful probe learned onto the location.
func (l *NetworkLocation) apply(info *DeviceInfo, at time.Time) {
	l.Application = info.Application
	l.DeviceID = info.ID()
	l.DeviceName = info.DeviceName
	l.KolibriVersion = info.KolibriVersion
	l.OperatingSystem = info.OperatingSystem
	l.SubsetOfUsersDevice = info.SubsetOfUsersDevice
	l.Available = true
	l.ConnectionStatus = StatusOkay
	l.LastAccessed = &at
}

// ListFilter narrows List. A nil field matches everything.
type ListFilter struct {
	SubsetOfUsersDevice *bool
	Available           *bool
}
