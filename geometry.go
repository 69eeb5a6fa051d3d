package gatekeeper

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// GEOMETRY HANDLING
// ============================================================================

// CanonicalSRID is the stored projection for every geometry in the system.
// Inputs in other projections are transformed at ingest or at compile time.
const CanonicalSRID = 3857

// DefaultGeoJSONSRID is assumed for GeoJSON literals without a CRS member.
const DefaultGeoJSONSRID = 4326

// GeometryFormat classifies a geometry literal.
type GeometryFormat int

const (
	GeomWKT GeometryFormat = iota
	GeomEWKT
	GeomGeoJSON
)

var wktPrefixes = []string{
	"POINT", "LINESTRING", "POLYGON", "MULTIPOINT",
	"MULTILINESTRING", "MULTIPOLYGON", "GEOMETRYCOLLECTION",
}

// DetectGeometry classifies a literal as WKT, EWKT (SRID=n; prefix) or a
// GeoJSON object. Anything else is an error.
func DetectGeometry(lit string) (GeometryFormat, error) {
	s := strings.TrimSpace(lit)
	if s == "" {
		return 0, fmt.Errorf("empty geometry literal")
	}
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return 0, fmt.Errorf("malformed GeoJSON: %v", err)
		}
		if _, ok := geoJSONGeometry(obj); !ok {
			return 0, fmt.Errorf("JSON object is not a GeoJSON geometry")
		}
		return GeomGeoJSON, nil
	}
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		rest := s[strings.IndexByte(s, ';')+1:]
		if strings.IndexByte(s, ';') < 0 {
			return 0, fmt.Errorf("EWKT missing ';' after SRID tag")
		}
		if _, err := DetectGeometry(rest); err != nil {
			return 0, err
		}
		return GeomEWKT, nil
	}
	upper := strings.ToUpper(s)
	for _, p := range wktPrefixes {
		if strings.HasPrefix(upper, p) {
			return GeomWKT, nil
		}
	}
	return 0, fmt.Errorf("unrecognized geometry literal %q", truncate(lit, 40))
}

// ewktSRID extracts the SRID tag of an EWKT literal.
func ewktSRID(lit string) (int, bool) {
	s := strings.TrimSpace(lit)
	if !strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		return 0, false
	}
	end := strings.IndexByte(s, ';')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[5:end]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// geometryConstructor wraps a single bind site (marker) in the store call
// that parses the literal and lands it in the canonical projection. srid
// overrides the per-format default when > 0.
func geometryConstructor(format GeometryFormat, lit string, srid int, marker string) string {
	switch format {
	case GeomGeoJSON:
		in := srid
		if in == 0 {
			in = DefaultGeoJSONSRID
		}
		if in == CanonicalSRID {
			return fmt.Sprintf("ST_SetSRID(ST_GeomFromGeoJSON(%s), %d)", marker, CanonicalSRID)
		}
		return fmt.Sprintf("ST_Transform(ST_SetSRID(ST_GeomFromGeoJSON(%s), %d), %d)", marker, in, CanonicalSRID)
	case GeomEWKT:
		tag, _ := ewktSRID(lit)
		if tag == CanonicalSRID {
			return fmt.Sprintf("ST_GeomFromEWKT(%s)", marker)
		}
		return fmt.Sprintf("ST_Transform(ST_GeomFromEWKT(%s), %d)", marker, CanonicalSRID)
	default:
		in := srid
		if in == 0 {
			in = CanonicalSRID
		}
		if in == CanonicalSRID {
			return fmt.Sprintf("ST_SetSRID(ST_GeomFromText(%s), %d)", marker, CanonicalSRID)
		}
		return fmt.Sprintf("ST_Transform(ST_SetSRID(ST_GeomFromText(%s), %d), %d)", marker, in, CanonicalSRID)
	}
}

// geometryFromPath wraps a JSON-path expression whose runtime value may be
// WKT, EWKT or GeoJSON text; the store-side helper auto-detects and lands it
// in the canonical projection.
func geometryFromPath(pathExpr string) string {
	return fmt.Sprintf("parse_geometry_to_%d((%s)::text)", CanonicalSRID, pathExpr)
}

// NormalizeGeometry converts any accepted geometry input (WKT, EWKT, GeoJSON
// object or string, [lng lat] pair) into a literal plus the SRID it should be
// interpreted in. Storage-side transformation to the canonical projection is
// the store's job; this only classifies and normalizes shape.
func NormalizeGeometry(value any, srid int) (string, int, error) {
	switch v := value.(type) {
	case nil:
		return "", 0, nil
	case string:
		format, err := DetectGeometry(v)
		if err != nil {
			return "", 0, err
		}
		switch format {
		case GeomEWKT:
			tag, _ := ewktSRID(v)
			return v, tag, nil
		case GeomGeoJSON:
			if srid == 0 {
				srid = DefaultGeoJSONSRID
			}
			return v, srid, nil
		default:
			if srid == 0 {
				srid = CanonicalSRID
			}
			return v, srid, nil
		}
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", 0, fmt.Errorf("marshal GeoJSON: %v", err)
		}
		return NormalizeGeometry(string(b), srid)
	case []any:
		if len(v) != 2 {
			return "", 0, fmt.Errorf("coordinate pair must be [lng, lat]")
		}
		x, okx := numericValue(v[0])
		y, oky := numericValue(v[1])
		if !okx || !oky {
			return "", 0, fmt.Errorf("coordinate pair must be numeric")
		}
		if srid == 0 {
			srid = DefaultGeoJSONSRID
		}
		return fmt.Sprintf("POINT(%g %g)", x, y), srid, nil
	case []float64:
		if len(v) != 2 {
			return "", 0, fmt.Errorf("coordinate pair must be [lng, lat]")
		}
		if srid == 0 {
			srid = DefaultGeoJSONSRID
		}
		return fmt.Sprintf("POINT(%g %g)", v[0], v[1]), srid, nil
	default:
		return "", 0, fmt.Errorf("unsupported geometry input %T", value)
	}
}

func geoJSONGeometry(obj map[string]any) (map[string]any, bool) {
	t, _ := obj["type"].(string)
	switch t {
	case "Feature":
		geom, ok := obj["geometry"].(map[string]any)
		if !ok {
			return nil, false
		}
		return geoJSONGeometry(geom)
	case "Point", "LineString", "Polygon", "MultiPoint", "MultiLineString", "MultiPolygon", "GeometryCollection":
		return obj, true
	default:
		return nil, false
	}
}

// ParsePoint extracts planar coordinates from a POINT literal in WKT, EWKT
// or GeoJSON form. Used by the in-memory evaluator, where the canonical
// projection makes euclidean distance a distance in meters.
func ParsePoint(lit string) (x, y float64, ok bool) {
	s := strings.TrimSpace(lit)
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(s), &obj) != nil {
			return 0, 0, false
		}
		geom, valid := geoJSONGeometry(obj)
		if !valid || geom["type"] != "Point" {
			return 0, 0, false
		}
		coords, valid := geom["coordinates"].([]any)
		if !valid || len(coords) < 2 {
			return 0, 0, false
		}
		xv, okx := numericValue(coords[0])
		yv, oky := numericValue(coords[1])
		return xv, yv, okx && oky
	}
	if idx := strings.IndexByte(s, ';'); idx >= 0 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = strings.TrimSpace(s[idx+1:])
	}
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "POINT") {
		return 0, 0, false
	}
	open := strings.IndexByte(s, '(')
	end := strings.IndexByte(s, ')')
	if open < 0 || end < open {
		return 0, 0, false
	}
	fields := strings.Fields(s[open+1 : end])
	if len(fields) < 2 {
		return 0, 0, false
	}
	xv, errx := strconv.ParseFloat(fields[0], 64)
	yv, erry := strconv.ParseFloat(fields[1], 64)
	if errx != nil || erry != nil {
		return 0, 0, false
	}
	return xv, yv, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
