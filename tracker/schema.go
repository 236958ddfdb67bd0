package tracker

import (
	"fmt"
	"sort"
	"time"

	"github.com/ggoodman/geotracker-go/internal/geo"
	"github.com/ggoodman/geotracker-go/markers"
	"github.com/ggoodman/geotracker-go/store"
)

// Collections.
const (
	CollSessions = "Sessions"
	CollUsers    = "Users"
	CollGPSData  = "GPSData"
)

// Publications.
const (
	PubSessionsList     = "SessionsList"
	PubUsers            = "Users"
	PubSessionLocations = "SessionLocations"
)

// Document fields.
const (
	fieldTitle  = "title"
	fieldOwner  = "owner"
	fieldActive = "active"

	fieldUser = "user"
	fieldName = "name"

	fieldSessionID = "sessionID"
	fieldUserID    = "userID"
	fieldProvider  = "provider"
	fieldTime      = "time"
	fieldLat       = "lat"
	fieldLong      = "long"
	fieldAltitude  = "altitude"
	fieldBearing   = "bearing"
	fieldSpeed     = "speed"
)

// Publications returns the publication set the tracker subscribes to. Store
// backends serve exactly this set.
func Publications() store.Publications {
	return store.Publications{
		PubSessionsList:     store.All(CollSessions),
		PubUsers:            store.All(CollUsers),
		PubSessionLocations: store.ByField(CollGPSData, fieldSessionID),
	}
}

// Index names a collection field that backends should index.
type Index struct {
	Collection string
	Field      string
}

// Indexes lists the fields the tracker's publications and lookups filter on.
func Indexes() []Index {
	return []Index{
		{CollGPSData, fieldSessionID},
		{CollUsers, fieldUser},
		{CollSessions, fieldTitle},
	}
}

// SessionInfo describes one Sessions document.
type SessionInfo struct {
	ID     string
	Title  string
	Owner  string
	Active bool
}

func sessionFromDoc(d store.Document) (SessionInfo, error) {
	title, ok := d.String(fieldTitle)
	if !ok {
		return SessionInfo{}, fmt.Errorf("session %s: missing %s", d.ID, fieldTitle)
	}
	owner, _ := d.String(fieldOwner)
	active, _ := d.Bool(fieldActive)
	return SessionInfo{ID: d.ID, Title: title, Owner: owner, Active: active}, nil
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Title != s[j].Title {
			return s[i].Title < s[j].Title
		}
		return s[i].ID < s[j].ID
	})
}

// Fix is one local location reading handed to OnLocationFix.
type Fix struct {
	Provider string
	Time     time.Time
	Lat      float64
	Lon      float64
	Altitude float64
	Bearing  float64
	Speed    float64
}

func (f Fix) fields(sessionID, userID string) store.Fields {
	ts := f.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return store.Fields{
		fieldSessionID: sessionID,
		fieldUserID:    userID,
		fieldProvider:  f.Provider,
		fieldTime:      ts.UnixMilli(),
		fieldLat:       f.Lat,
		fieldLong:      f.Lon,
		fieldAltitude:  f.Altitude,
		fieldBearing:   f.Bearing,
		fieldSpeed:     f.Speed,
	}
}

func sampleFromDoc(d store.Document) (markers.Sample, error) {
	userID, ok := d.String(fieldUserID)
	if !ok || userID == "" {
		return markers.Sample{}, fmt.Errorf("location %s: missing %s", d.ID, fieldUserID)
	}
	lat, ok := d.Float(fieldLat)
	if !ok {
		return markers.Sample{}, fmt.Errorf("location %s: missing %s", d.ID, fieldLat)
	}
	lon, ok := d.Float(fieldLong)
	if !ok {
		return markers.Sample{}, fmt.Errorf("location %s: missing %s", d.ID, fieldLong)
	}
	if !geo.Valid(geo.Point{Lat: lat, Lon: lon}) {
		return markers.Sample{}, fmt.Errorf("location %s: coordinate out of range", d.ID)
	}
	var ts time.Time
	if ms, ok := d.Int64(fieldTime); ok {
		ts = time.UnixMilli(ms)
	}
	return markers.Sample{EventID: d.ID, UserID: userID, Lat: lat, Lon: lon, Time: ts}, nil
}
