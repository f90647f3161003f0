// Package window queries the compositor for the focused window.
package window

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"codeberg.org/mutker/actlog/internal/errors"
)

// Sentinel marks an absent window field in output rows.
const Sentinel = "none"

const (
	ErrQueryFailed  = errors.ErrorCode("window_query_failed")
	ErrEmptyReply   = errors.ErrorCode("window_empty_reply")
	ErrInvalidReply = errors.ErrorCode("window_invalid_reply")
)

// Info describes the focused window. Every field is optional.
type Info struct {
	ID    *uint64 `json:"id"`
	AppID *string `json:"app_id"`
	PID   *int32  `json:"pid"`
	Title *string `json:"title"`
}

// Key identifies the window for switch counting. Windows without an id are
// identified by app id and title.
func (i *Info) Key() string {
	if i == nil {
		return ""
	}
	if i.ID != nil {
		return "id:" + strconv.FormatUint(*i.ID, 10)
	}
	return "app:" + deref(i.AppID) + "\x00" + deref(i.Title)
}

// IDField renders the id column.
func (i *Info) IDField() string {
	if i == nil || i.ID == nil {
		return Sentinel
	}
	return strconv.FormatUint(*i.ID, 10)
}

// AppIDField renders the app_id column.
func (i *Info) AppIDField() string {
	if i == nil || i.AppID == nil || *i.AppID == "" {
		return Sentinel
	}
	return *i.AppID
}

// PIDField renders the pid column.
func (i *Info) PIDField() string {
	if i == nil || i.PID == nil {
		return Sentinel
	}
	return strconv.FormatInt(int64(*i.PID), 10)
}

// TitleText returns the title, empty when unknown.
func (i *Info) TitleText() string {
	if i == nil {
		return ""
	}
	return deref(i.Title)
}

// ProcessID returns the pid and whether it is known.
func (i *Info) ProcessID() (int32, bool) {
	if i == nil || i.PID == nil {
		return 0, false
	}
	return *i.PID, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ParseJSON decodes a niri-style focused-window reply. A JSON null means no
// window is focused and yields nil without error.
func ParseJSON(data []byte) (*Info, error) {
	errFactory := errors.New()

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errFactory.New(ErrEmptyReply)
	}

	var info *Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errFactory.Wrap(ErrInvalidReply, err)
	}

	return info, nil
}

// ParseMango decodes `key: value` lines as printed by mmsg -g -c. Only
// title and app_id are read; the reply carries no id or pid.
func ParseMango(data []byte) (*Info, error) {
	errFactory := errors.New()

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errFactory.New(ErrEmptyReply)
	}

	info := &Info{}
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "title":
			info.Title = &value
			found = true
		case "app_id":
			info.AppID = &value
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidReply, err)
	}
	if !found {
		return nil, errFactory.WithMessage(ErrInvalidReply, "No title or app_id in reply")
	}

	return info, nil
}
