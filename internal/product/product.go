// Package product defines the radar composite products this service
// publishes: stream identities, the per-product grid contract, and the
// filename conventions used on both the remote listing and the output
// directory.
package product

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Stream identifies one remote product feed.
type Stream string

const (
	// StreamCurrent is the observed MAX_Z composite, one file per
	// five-minute timestamp.
	StreamCurrent Stream = "current"

	// StreamForecast is the short-term MAX_Z forecast, one file per
	// (issuance timestamp, lead time) pair.
	StreamForecast Stream = "forecast"
)

// Valid reports whether s names a known stream.
func (s Stream) Valid() bool {
	return s == StreamCurrent || s == StreamForecast
}

// SourceID identifies one remote source file.
type SourceID struct {
	Stream      Stream
	Timestamp   time.Time // UTC issuance timestamp
	LeadMinutes int       // forecast lead time; 0 for the current stream
	Filename    string    // remote filename as listed
}

// Key returns a stable identity used for the processed manifest and for
// single-flight deduplication across cycles.
func (id SourceID) Key() string {
	if id.Stream == StreamForecast {
		return fmt.Sprintf("%s/%s+%02d", id.Stream, id.Timestamp.UTC().Format(compactStamp), id.LeadMinutes)
	}
	return fmt.Sprintf("%s/%s", id.Stream, id.Timestamp.UTC().Format(compactStamp))
}

// Stamp returns the timestamp fragment used in published artifact names.
func (id SourceID) Stamp() string {
	return id.Timestamp.UTC().Format(artifactStamp)
}

const (
	compactStamp  = "20060102150405"
	artifactStamp = "20060102_1504"
)

// Remote filenames carry a 14-digit UTC timestamp somewhere after the
// product header, e.g. T_PABV23_C_OKPR_20250913162500.hdf. Forecast files
// additionally carry the lead time as _ftMM before the extension.
var (
	timestampPattern = regexp.MustCompile(`(\d{8})(\d{6})`)
	leadPattern      = regexp.MustCompile(`_ft(\d{2,3})\.`)
)

// ParseRemoteName extracts a SourceID from a remote listing entry. The
// second return value is false when the name does not follow the stream's
// convention (wrong extension, no timestamp, or a forecast file without a
// lead time).
func ParseRemoteName(stream Stream, name string) (SourceID, bool) {
	if !strings.HasSuffix(strings.ToLower(name), ".hdf") {
		return SourceID{}, false
	}

	m := timestampPattern.FindStringSubmatch(name)
	if m == nil {
		return SourceID{}, false
	}
	ts, err := time.Parse(compactStamp, m[1]+m[2])
	if err != nil {
		return SourceID{}, false
	}

	id := SourceID{Stream: stream, Timestamp: ts.UTC(), Filename: name}

	if stream == StreamForecast {
		lm := leadPattern.FindStringSubmatch(name)
		if lm == nil {
			return SourceID{}, false
		}
		lead, err := strconv.Atoi(lm[1])
		if err != nil || lead <= 0 {
			return SourceID{}, false
		}
		id.LeadMinutes = lead
	}

	return id, true
}

// ParseKey inverts SourceID.Key. The filename is not recoverable from a
// key, so the returned SourceID carries an empty Filename.
func ParseKey(key string) (SourceID, bool) {
	stream, rest, found := strings.Cut(key, "/")
	if !found {
		return SourceID{}, false
	}
	id := SourceID{Stream: Stream(stream)}
	if id.Stream != StreamCurrent && id.Stream != StreamForecast {
		return SourceID{}, false
	}

	stamp, lead, hasLead := strings.Cut(rest, "+")
	ts, err := time.Parse(compactStamp, stamp)
	if err != nil {
		return SourceID{}, false
	}
	id.Timestamp = ts.UTC()

	if hasLead {
		n, err := strconv.Atoi(lead)
		if err != nil || n <= 0 {
			return SourceID{}, false
		}
		id.LeadMinutes = n
	}
	return id, true
}

// ArtifactName builds a published artifact filename:
// <YYYYMMDD_hhmm>[_fctMM]_<variant>[_2x].png
func ArtifactName(ts time.Time, leadMinutes int, variant string, scale int) string {
	var b strings.Builder
	b.WriteString(ts.UTC().Format(artifactStamp))
	if leadMinutes > 0 {
		fmt.Fprintf(&b, "_fct%02d", leadMinutes)
	}
	b.WriteByte('_')
	b.WriteString(variant)
	if scale == 2 {
		b.WriteString("_2x")
	}
	b.WriteString(".png")
	return b.String()
}

var artifactPattern = regexp.MustCompile(`^(\d{8}_\d{4})(?:_fct(\d{2,3}))?_([a-z]+)(_2x)?\.png$`)

// ParseArtifactName inverts ArtifactName. Returns ok=false for names that
// are not published artifacts (staging files, foreign files).
func ParseArtifactName(name string) (ts time.Time, leadMinutes int, variant string, scale int, ok bool) {
	m := artifactPattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, "", 0, false
	}
	ts, err := time.Parse(artifactStamp, m[1])
	if err != nil {
		return time.Time{}, 0, "", 0, false
	}
	if m[2] != "" {
		leadMinutes, err = strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, 0, "", 0, false
		}
	}
	scale = 1
	if m[4] != "" {
		scale = 2
	}
	return ts.UTC(), leadMinutes, m[3], scale, true
}

// Contract pins the fixed geometry of a composite product. Every decoded
// grid must match it exactly; a mismatch is a format violation, not a
// resize opportunity.
type Contract struct {
	Width  int
	Height int

	LonMin float64
	LonMax float64
	LatMin float64
	LatMax float64

	// Valid physical range for non-missing cells, in dBZ.
	MinDBZ float64
	MaxDBZ float64
}

// DefaultContract is the observed Central European MAX_Z composite.
func DefaultContract() Contract {
	return Contract{
		Width:  598,
		Height: 378,
		LonMin: 11.267,
		LonMax: 19.624,
		LatMin: 48.047,
		LatMax: 51.458,
		MinDBZ: -32.0,
		MaxDBZ: 61.5,
	}
}

// webMercatorLatLimit is the highest latitude representable in the
// spherical mercator projection used by slippy maps.
const webMercatorLatLimit = 85.05112878

// Validate checks the contract is internally consistent and that its
// bounds can be overlaid on a standard web map projection.
func (c Contract) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("contract: non-positive grid size %dx%d", c.Width, c.Height)
	}
	if c.LonMin >= c.LonMax || c.LatMin >= c.LatMax {
		return fmt.Errorf("contract: degenerate bounds lon[%v,%v] lat[%v,%v]",
			c.LonMin, c.LonMax, c.LatMin, c.LatMax)
	}
	if c.LonMin < -180 || c.LonMax > 180 {
		return fmt.Errorf("contract: longitude out of range [%v,%v]", c.LonMin, c.LonMax)
	}
	if c.LatMin < -webMercatorLatLimit || c.LatMax > webMercatorLatLimit {
		return fmt.Errorf("contract: latitude [%v,%v] exceeds web mercator limit", c.LatMin, c.LatMax)
	}
	if c.MinDBZ >= c.MaxDBZ {
		return fmt.Errorf("contract: empty dBZ range [%v,%v]", c.MinDBZ, c.MaxDBZ)
	}
	return nil
}
