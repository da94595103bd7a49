package simulator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Messages are single ';'-separated lines. Angles are in degrees and speeds
// in degrees per second.

type RequestKind int

const (
	Slew RequestKind = iota
	Stop
	GetPosition
)

type Request struct {
	Kind         RequestKind
	Axis1, Axis2 float64
}

func (r Request) String() string {
	switch r.Kind {
	case Slew:
		return fmt.Sprintf("slew;%g;%g", r.Axis1, r.Axis2)
	case Stop:
		return "stop"
	case GetPosition:
		return "get_position"
	}
	return fmt.Sprintf("unknown(%d)", int(r.Kind))
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%q is not finite", f)
		}
		out[i] = v
	}
	return out, nil
}

func ParseRequest(line string) (Request, error) {
	parts := strings.Split(strings.TrimSpace(line), ";")
	switch {
	case parts[0] == "slew" && len(parts) == 3:
		v, err := parseFloats(parts[1:])
		if err != nil {
			return Request{}, fmt.Errorf("parsing slew %q: %w", line, err)
		}
		return Request{Kind: Slew, Axis1: v[0], Axis2: v[1]}, nil
	case parts[0] == "stop" && len(parts) == 1:
		return Request{Kind: Stop}, nil
	case parts[0] == "get_position" && len(parts) == 1:
		return Request{Kind: GetPosition}, nil
	}
	return Request{}, fmt.Errorf("unrecognized request %q", line)
}

type ResponseKind int

const (
	Reply ResponseKind = iota
	Position
)

func (k ResponseKind) String() string {
	switch k {
	case Reply:
		return "reply"
	case Position:
		return "position"
	}
	return fmt.Sprintf("ResponseKind(%d)", int(k))
}

// Response is either a Reply to Slew/Stop or a Position. A non-empty Err
// means the simulator rejected the request.
type Response struct {
	Kind         ResponseKind
	Err          string
	Axis1, Axis2 float64
}

func (r Response) String() string {
	if r.Err != "" {
		return fmt.Sprintf("%v;error;%s", r.Kind, strings.ReplaceAll(r.Err, "\n", " "))
	}
	switch r.Kind {
	case Reply:
		return "reply;ok"
	case Position:
		return fmt.Sprintf("position;%g;%g", r.Axis1, r.Axis2)
	}
	return fmt.Sprintf("unknown(%d)", int(r.Kind))
}

func ParseResponse(line string) (Response, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ";", 3)
	var kind ResponseKind
	switch parts[0] {
	case "reply":
		kind = Reply
	case "position":
		kind = Position
	default:
		return Response{}, fmt.Errorf("unrecognized response %q", line)
	}
	if len(parts) == 3 && parts[1] == "error" {
		return Response{Kind: kind, Err: parts[2]}, nil
	}
	switch {
	case kind == Reply && len(parts) == 2 && parts[1] == "ok":
		return Response{Kind: Reply}, nil
	case kind == Position && len(parts) == 3:
		v, err := parseFloats(parts[1:])
		if err != nil {
			return Response{}, fmt.Errorf("parsing position %q: %w", line, err)
		}
		return Response{Kind: Position, Axis1: v[0], Axis2: v[1]}, nil
	}
	return Response{}, fmt.Errorf("malformed response %q", line)
}
