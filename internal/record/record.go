// Package record models one uploaded performance record and assembles it
// from sampled frames.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wall-clock format used in record timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid record")

// PerformanceData describes the session the records belong to.
type PerformanceData struct {
	PerformerID         int    `json:"performer_id"`
	PerformanceTime     string `json:"performance_time"`
	PerformanceLocation string `json:"performance_location"`
}

// BlobData holds the framed packets as hex text.
type BlobData struct {
	RawData      []string `json:"rawdata"`
	FinalPackage []string `json:"finalpackage"`
}

// PerformanceRecord is one sampled record.
type PerformanceRecord struct {
	RecordID     int      `json:"record_id"`
	Timestamp    string   `json:"timestamp"`
	GPSLatitude  float64  `json:"gps_latitude"`
	GPSLongitude float64  `json:"gps_longitude"`
	GPSAltitude  float64  `json:"gps_altitude"`
	BlobData     BlobData `json:"blob_data"`
}

// Record is the upload body: session metadata plus its records.
type Record struct {
	Performance PerformanceData     `json:"performance_data"`
	Records     []PerformanceRecord `json:"performance_records"`
}

// Timestamp returns the timestamp of the first record.
func (r *Record) Timestamp() string {
	if len(r.Records) == 0 {
		return r.Performance.PerformanceTime
	}
	return r.Records[0].Timestamp
}

// FileName is the snapshot file name: the record timestamp plus ".json".
func (r *Record) FileName() string {
	return r.Timestamp() + ".json"
}

// Counts returns the number of small and large packets over all records.
func (r *Record) Counts() (small, large int) {
	for _, rec := range r.Records {
		small += len(rec.BlobData.RawData)
		large += len(rec.BlobData.FinalPackage)
	}
	return small, large
}

// Validate checks the fields the upload endpoint requires.
func (r *Record) Validate() error {
	var problems []string
	if r.Performance.PerformerID <= 0 {
		problems = append(problems, "performer_id must be positive")
	}
	if _, err := time.Parse(TimeLayout, r.Performance.PerformanceTime); err != nil {
		problems = append(problems, fmt.Sprintf("performance_time %q is not %s", r.Performance.PerformanceTime, TimeLayout))
	}
	if len(r.Records) == 0 {
		problems = append(problems, "no performance_records")
	}
	for i, rec := range r.Records {
		if _, err := time.Parse(TimeLayout, rec.Timestamp); err != nil {
			problems = append(problems, fmt.Sprintf("performance_records[%d].timestamp %q is not %s", i, rec.Timestamp, TimeLayout))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
