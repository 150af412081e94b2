package moonraker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	MethodStatusUpdate   = "notify_status_update"
	MethodHistoryChanged = "notify_history_changed"

	TopicPrintStats    = "print_stats"
	TopicVirtualSDCard = "virtual_sdcard"

	namespace = "printer"
)

// Topics are subscribed on every (re)connect.
var Topics = []string{TopicPrintStats, TopicVirtualSDCard}

// ErrEmptyFrame is returned by Decode for a frame with no content.
var ErrEmptyFrame = errors.New("empty frame")

// Notification is a decoded inbound frame: *StatusUpdate, *HistoryChanged or *Unknown.
type Notification interface {
	Method() string
	notification()
}

// PrintStats is the print_stats topic. Nil fields were absent from the frame.
type PrintStats struct {
	State         *string  `json:"state"`
	Filename      *string  `json:"filename"`
	PrintDuration *float64 `json:"print_duration"`
	TotalDuration *float64 `json:"total_duration"`
	FilamentUsed  *float64 `json:"filament_used"`
}

// StatusUpdate carries changed printer objects. PrintStats is nil when the
// frame did not include the topic.
type StatusUpdate struct {
	PrintStats *PrintStats
	Progress   *float64
	EventTime  float64
}

func (*StatusUpdate) Method() string { return MethodStatusUpdate }
func (*StatusUpdate) notification()  {}

// HistoryJob is one job as reported by the controller's history, on both the
// notification stream and the history list endpoint.
type HistoryJob struct {
	JobID         string         `json:"job_id"`
	Filename      string         `json:"filename"`
	Status        string         `json:"status"`
	StartTime     *float64       `json:"start_time"`
	EndTime       *float64       `json:"end_time"`
	PrintDuration float64        `json:"print_duration"`
	TotalDuration *float64       `json:"total_duration"`
	FilamentUsed  float64        `json:"filament_used"`
	Metadata      map[string]any `json:"metadata"`
}

// HistoryChanged is a history action. Job is nil when the payload had none.
type HistoryChanged struct {
	Action string      `json:"action"`
	Job    *HistoryJob `json:"job"`
}

func (*HistoryChanged) Method() string { return MethodHistoryChanged }
func (*HistoryChanged) notification()  {}

// Unknown is any well-formed frame that is neither notification type,
// including responses to our own requests.
type Unknown struct {
	Name string
	ID   *int64
}

func (u *Unknown) Method() string { return u.Name }
func (*Unknown) notification()    {}

type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type objectsParams struct {
	Objects map[string]any `json:"objects"`
}

func newObjectsRequest(verb string, id int64, topics ...string) request {
	objs := make(map[string]any, len(topics))
	for _, t := range topics {
		objs[t] = nil
	}
	return request{
		JSONRPC: "2.0",
		Method:  namespace + ".objects." + verb,
		Params:  objectsParams{Objects: objs},
		ID:      id,
	}
}

// Decode turns one frame into a Notification. Params may be list-wrapped
// ([objects, eventtime] / [payload]) or a bare object.
func Decode(frame []byte) (Notification, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Method {
	case MethodStatusUpdate:
		objects, extra, err := unwrapParams(env.Params)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Method, err)
		}
		u, err := decodeStatus(objects)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Method, err)
		}
		if len(extra) > 0 {
			_ = json.Unmarshal(extra[0], &u.EventTime)
		}
		return u, nil

	case MethodHistoryChanged:
		payload, _, err := unwrapParams(env.Params)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Method, err)
		}
		h := &HistoryChanged{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, h); err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.Method, err)
			}
		}
		return h, nil

	case "":
		// query/subscribe responses carry {"status": {...}}
		if len(env.Result) > 0 && env.Result[0] == '{' {
			var res struct {
				Status    json.RawMessage `json:"status"`
				EventTime float64         `json:"eventtime"`
			}
			if err := json.Unmarshal(env.Result, &res); err == nil && len(res.Status) > 0 && res.Status[0] == '{' {
				u, err := decodeStatus(res.Status)
				if err != nil {
					return nil, fmt.Errorf("decode status result: %w", err)
				}
				u.EventTime = res.EventTime
				return u, nil
			}
		}
	}
	return &Unknown{Name: env.Method, ID: env.ID}, nil
}

// unwrapParams returns the first element of a list params, or the params
// themselves when they are an object. Remaining list elements are returned as extra.
func unwrapParams(raw json.RawMessage) (json.RawMessage, []json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}
	switch raw[0] {
	case '{':
		return raw, nil, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, nil, err
		}
		if len(items) == 0 {
			return nil, nil, nil
		}
		return items[0], items[1:], nil
	default:
		return nil, nil, fmt.Errorf("unexpected params shape %q", raw[:1])
	}
}

func decodeStatus(objects json.RawMessage) (*StatusUpdate, error) {
	u := &StatusUpdate{}
	if len(objects) == 0 {
		return u, nil
	}
	var topics struct {
		PrintStats    *PrintStats `json:"print_stats"`
		VirtualSDCard *struct {
			Progress *float64 `json:"progress"`
		} `json:"virtual_sdcard"`
	}
	if err := json.Unmarshal(objects, &topics); err != nil {
		return nil, err
	}
	u.PrintStats = topics.PrintStats
	if topics.VirtualSDCard != nil {
		u.Progress = topics.VirtualSDCard.Progress
	}
	return u, nil
}
