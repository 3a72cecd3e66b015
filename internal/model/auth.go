package model

import "time"

// AuthRecordKey is the single key under which the device's AuthRecord is stored.
const AuthRecordKey = "current"

// Operator is the signed-in sale person.
type Operator struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	MobilePhone  string `json:"mobile_phone"`
	LocationID   int64  `json:"location_id"`
	LocationName string `json:"location_name"`
}

// Project is the inventory project running at the operator's location.
type Project struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	LocationID   int64  `json:"location_id"`
	LocationName string `json:"location_name"`
	StartDate    string `json:"start_date,omitempty"`
}

// Rack is a storage rack available to the running project.
type Rack struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	LocationID   int64  `json:"location_id"`
	LocationName string `json:"location_name"`
	Note         string `json:"note,omitempty"`
}

// AuthRecord is the one authentication state per device. It is replaced
// wholesale on login and refresh and deleted on logout or expiry.
type AuthRecord struct {
	Token     string    `json:"token"`
	Operator  Operator  `json:"operator"`
	Project   *Project  `json:"project,omitempty"`
	Racks     []Rack    `json:"racks"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (a *AuthRecord) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// LocationID returns the location lots are looked up in: the running
// project's location, falling back to the operator's store location.
func (a *AuthRecord) LocationID() int64 {
	if a.Project != nil && a.Project.LocationID != 0 {
		return a.Project.LocationID
	}
	return a.Operator.LocationID
}

// HasRack reports whether rackID belongs to the project's rack set.
func (a *AuthRecord) HasRack(rackID int64) bool {
	for _, r := range a.Racks {
		if r.ID == rackID {
			return true
		}
	}
	return false
}
