package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned when decoding requests.
var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is an inbound client request. The set is closed: a dispatcher
// switching over HistoricalRequest, SubscribeRequest and UnsubscribeRequest
// covers every case.
type Request interface {
	requestType() string
}

// HistoricalRequest asks for the correlated series of each target over
// [Start, End], streamed target after target.
type HistoricalRequest struct {
	ID         string
	Start      time.Time
	End        time.Time
	Targets    []string
	Resolution string // "auto", empty, or a named resolution
}

// SubscribeRequest starts live pushes for targets.
type SubscribeRequest struct {
	Targets []string
}

// UnsubscribeRequest stops live pushes for targets.
type UnsubscribeRequest struct {
	Targets []string
}

func (*HistoricalRequest) requestType() string  { return TypeHistorical }
func (*SubscribeRequest) requestType() string   { return TypeSubscribe }
func (*UnsubscribeRequest) requestType() string { return TypeUnsubscribe }

// RequestType returns the discriminator of r.
func RequestType(r Request) string {
	return r.requestType()
}

type header struct {
	Type string `json:"type"`
}

type historicalWire struct {
	ID         string   `json:"id,omitempty"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Targets    []string `json:"targets"`
	Resolution string   `json:"resolution,omitempty"`
}

type targetsWire struct {
	Targets []string `json:"targets"`
}

// requestWire returns the wire form of r, for clients encoding requests.
func requestWire(r Request) any {
	switch r := r.(type) {
	case *HistoricalRequest:
		return struct {
			Type string `json:"type"`
			historicalWire
		}{TypeHistorical, historicalWire{
			ID:         r.ID,
			Start:      r.Start.UTC().Format(time.RFC3339Nano),
			End:        r.End.UTC().Format(time.RFC3339Nano),
			Targets:    r.Targets,
			Resolution: r.Resolution,
		}}
	case *SubscribeRequest:
		return struct {
			Type string `json:"type"`
			targetsWire
		}{TypeSubscribe, targetsWire{Targets: r.Targets}}
	case *UnsubscribeRequest:
		return struct {
			Type string `json:"type"`
			targetsWire
		}{TypeUnsubscribe, targetsWire{Targets: r.Targets}}
	}
	return nil
}

// decodeRequest decodes a frame with unmarshal, first reading the type.
func decodeRequest(data []byte, unmarshal func([]byte, any) error) (Request, error) {
	var h header
	if err := unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch h.Type {
	case TypeHistorical:
		var w historicalWire
		if err := unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		req, err := w.request()
		if err != nil {
			return nil, err
		}
		return req, nil
	case TypeSubscribe, TypeUnsubscribe:
		var w targetsWire
		if err := unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		targets, err := cleanTargets(w.Targets)
		if err != nil {
			return nil, err
		}
		if h.Type == TypeSubscribe {
			return &SubscribeRequest{Targets: targets}, nil
		}
		return &UnsubscribeRequest{Targets: targets}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidRequest)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, h.Type)
	}
}

func (w *historicalWire) request() (*HistoricalRequest, error) {
	start, err := parseTime(w.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidRequest, err)
	}
	end, err := parseTime(w.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidRequest, err)
	}
	targets, err := cleanTargets(w.Targets)
	if err != nil {
		return nil, err
	}
	return &HistoricalRequest{
		ID:         w.ID,
		Start:      start,
		End:        end,
		Targets:    targets,
		Resolution: w.Resolution,
	}, nil
}

// parseTime accepts RFC 3339 with or without fractional seconds.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	return time.Parse(time.RFC3339Nano, s)
}

// cleanTargets trims selectors and drops duplicates, keeping first order.
func cleanTargets(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidRequest)
	}
	return out, nil
}
