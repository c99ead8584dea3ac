package connmgr

import "strconv"

// Status is the coarse outcome every session operation returns.
type Status int

const (
	// StatusOK means success / connected.
	StatusOK Status = 200
	// StatusFailed means a transport failure, an absent device, or disconnected.
	StatusFailed Status = 400
	// StatusNoConnection means the operation needs an active connection and
	// the slot is empty.
	StatusNoConnection Status = 401
)

// Code returns the numeric status code.
func (s Status) Code() int { return int(s) }

// OK reports whether s is StatusOK.
func (s Status) OK() bool { return s == StatusOK }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "200 ok"
	case StatusFailed:
		return "400 failed"
	case StatusNoConnection:
		return "401 no connection"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}
