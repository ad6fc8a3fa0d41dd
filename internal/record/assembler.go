package record

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blerec/internal/framer"
)

// Metadata is supplied by the operator for the whole session.
type Metadata struct {
	PerformerID int
	Location    string
	RecordID    int
}

// Location is a geographic fix.
type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// LocationProvider returns the last known fix, if any.
type LocationProvider interface {
	LastLocation(ctx context.Context) (Location, bool)
}

// StaticLocation always reports the same fix.
type StaticLocation Location

func (s StaticLocation) LastLocation(context.Context) (Location, bool) {
	return Location(s), true
}

// Assembler turns sampled frames into records for one session.
type Assembler struct {
	meta      Metadata
	location  LocationProvider
	startedAt time.Time
	zone      *time.Location

	mu   sync.Mutex
	last Location
}

// NewAssembler creates an Assembler. location may be nil.
func NewAssembler(meta Metadata, location LocationProvider, startedAt time.Time) *Assembler {
	return &Assembler{
		meta:      meta,
		location:  location,
		startedAt: startedAt,
		zone:      time.Local,
	}
}

// Assemble builds a record from frames. The GPS fields keep the last known
// fix when the provider has none.
func (a *Assembler) Assemble(ctx context.Context, frames framer.Frames) *Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.location != nil {
		if fix, ok := a.location.LastLocation(ctx); ok {
			a.last = fix
		}
	}

	startedAt := frames.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	return &Record{
		Performance: PerformanceData{
			PerformerID:         a.meta.PerformerID,
			PerformanceTime:     a.startedAt.In(a.zone).Format(TimeLayout),
			PerformanceLocation: a.meta.Location,
		},
		Records: []PerformanceRecord{{
			RecordID:     a.meta.RecordID,
			Timestamp:    startedAt.In(a.zone).Format(TimeLayout),
			GPSLatitude:  a.last.Latitude,
			GPSLongitude: a.last.Longitude,
			GPSAltitude:  a.last.Altitude,
			BlobData: BlobData{
				RawData:      nonNil(frames.Small),
				FinalPackage: nonNil(frames.Large),
			},
		}},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
