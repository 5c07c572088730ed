// Copyright 2026 SmartLeakPro
// SPDX-License-Identifier: Apache-2.0

// Package geotrack records GPS samples during an active inspection and
// feeds them into the offline/online pipeline. It also carries the small
// coordinate helpers the planning views rely on.
package geotrack

import (
	"math"
	"time"
)

// Position is one GPS sample.
type Position struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

// ValidateCoordinates reports whether the pair is a plausible geographic
// coordinate.
func ValidateCoordinates(latitude, longitude float64) bool {
	return latitude >= -90 && latitude <= 90 && longitude >= -180 && longitude <= 180
}

const earthRadiusMeters = 6371000.0

// Distance returns the haversine great-circle distance between two
// coordinates in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

// BoundingBox is the min/max envelope of a set of positions.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Bounds computes the bounding box of the positions. The second return is
// false for an empty set.
func Bounds(positions []Position) (BoundingBox, bool) {
	if len(positions) == 0 {
		return BoundingBox{}, false
	}
	box := BoundingBox{
		MinLat: positions[0].Latitude, MaxLat: positions[0].Latitude,
		MinLng: positions[0].Longitude, MaxLng: positions[0].Longitude,
	}
	for _, p := range positions[1:] {
		box.MinLat = math.Min(box.MinLat, p.Latitude)
		box.MaxLat = math.Max(box.MaxLat, p.Latitude)
		box.MinLng = math.Min(box.MinLng, p.Longitude)
		box.MaxLng = math.Max(box.MaxLng, p.Longitude)
	}
	return box, true
}
