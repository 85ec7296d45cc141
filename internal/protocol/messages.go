// Package protocol defines the client wire protocol: inbound requests,
// outbound messages, and the JSON and CBOR codecs that carry them.
package protocol

import (
	"time"

	"vessel-telemetry/internal/domain"
)

// Message type discriminators.
const (
	TypeHistorical  = "historical"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeChunk       = "chunk"
	TypeComplete    = "complete"
	TypeError       = "error"
	TypeLive        = "live"
)

// TimeLayout is the ISO 8601 layout of every outbound timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a Unix millisecond timestamp in TimeLayout.
func FormatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimeLayout)
}

// Message is an outbound message. The set is closed.
type Message interface {
	messageType() string
}

// Point is one correlated point on the wire.
type Point struct {
	Time    string             `json:"time"`
	Lat     float64            `json:"lat"`
	Lon     float64            `json:"lon"`
	Heading *float64           `json:"heading,omitempty"`
	Value   *float64           `json:"value,omitempty"`
	Fields  map[string]float64 `json:"fields,omitempty"`
}

// NewPoint converts a correlated point to its wire form.
func NewPoint(p domain.CorrelatedPoint) Point {
	wp := Point{
		Time:    FormatTime(p.TimestampMs),
		Lat:     p.Lat,
		Lon:     p.Lon,
		Heading: p.Heading,
	}
	if p.HasValue {
		v := p.Value
		wp.Value = &v
	}
	if len(p.Fields) > 0 {
		wp.Fields = p.Fields
	}
	return wp
}

// NewPoints converts a slice of correlated points.
func NewPoints(points []domain.CorrelatedPoint) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = NewPoint(p)
	}
	return out
}

// ChunkMessage carries one ordered slice of a target's series.
type ChunkMessage struct {
	ID          string  `json:"id,omitempty"`
	Target      string  `json:"target"`
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	ChunkIndex  int     `json:"chunkIndex"`
	TotalChunks int     `json:"totalChunks"`
	Resolution  string  `json:"resolution"`
	Points      []Point `json:"points"`
}

// CompleteMessage ends a target's series. It is sent even for zero points.
type CompleteMessage struct {
	ID          string `json:"id,omitempty"`
	Target      string `json:"target"`
	TotalPoints int    `json:"totalPoints"`
}

// ErrorMessage reports a failed request or target.
type ErrorMessage struct {
	ID      string `json:"id,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// LiveMessage pushes the newest correlated point of a live feed.
type LiveMessage struct {
	Target string `json:"target"`
	Point  Point  `json:"point"`
}

func (*ChunkMessage) messageType() string    { return TypeChunk }
func (*CompleteMessage) messageType() string { return TypeComplete }
func (*ErrorMessage) messageType() string    { return TypeError }
func (*LiveMessage) messageType() string     { return TypeLive }

// TypeOf returns the discriminator of m.
func TypeOf(m Message) string {
	return m.messageType()
}

// envelope adds the type discriminator in front of the message fields.
func envelope(m Message) any {
	switch m := m.(type) {
	case *ChunkMessage:
		return struct {
			Type string `json:"type"`
			ChunkMessage
		}{TypeChunk, *m}
	case *CompleteMessage:
		return struct {
			Type string `json:"type"`
			CompleteMessage
		}{TypeComplete, *m}
	case *ErrorMessage:
		return struct {
			Type string `json:"type"`
			ErrorMessage
		}{TypeError, *m}
	case *LiveMessage:
		return struct {
			Type string `json:"type"`
			LiveMessage
		}{TypeLive, *m}
	}
	return nil
}
