// Package permission implements the one-shot capability check that must pass
// before any radio operation runs.
//
// Which capabilities are requested depends on the platform: the negotiation
// is a Strategy chosen once from the Platform injected at construction, so
// the Gate itself never branches on OS or version.
package permission

import (
	"context"
	"log/slog"
	"strings"
)

// Capability is a platform permission name.
type Capability string

const (
	FineLocation     Capability = "android.permission.ACCESS_FINE_LOCATION"
	BluetoothScan    Capability = "android.permission.BLUETOOTH_SCAN"
	BluetoothConnect Capability = "android.permission.BLUETOOTH_CONNECT"
)

// RuntimeGrantAPILevel is the first Android API level that splits radio
// access into separate scan and connect grants.
const RuntimeGrantAPILevel = 31

// Rationale is shown by the platform alongside every request.
type Rationale struct {
	Title   string
	Message string
	Button  string
}

// DefaultRationale mirrors the prompt text shown to the user.
var DefaultRationale = Rationale{
	Title:   "Location Permission",
	Message: "Bluetooth Low Energy requires Location",
	Button:  "OK",
}

// Platform identifies the runtime the gate negotiates for.
type Platform struct {
	OS       string // runtime.GOOS style name; "android" enables runtime grants
	APILevel int    // platform API level; ignored off Android
}

// Requester asks the platform for one combined set of capabilities and
// reports whether every one of them was granted.
type Requester interface {
	Request(ctx context.Context, r Rationale, caps ...Capability) (bool, error)
}

// Strategy lists the requests to issue. Each inner slice is one combined
// request; the gate passes only when all of them are granted.
type Strategy interface {
	Requests() [][]Capability
}

type noGrantStrategy struct{}

func (noGrantStrategy) Requests() [][]Capability { return nil }

type legacyAndroidStrategy struct{}

func (legacyAndroidStrategy) Requests() [][]Capability {
	return [][]Capability{{FineLocation}}
}

type modernAndroidStrategy struct{}

func (modernAndroidStrategy) Requests() [][]Capability {
	return [][]Capability{{BluetoothScan}, {BluetoothConnect}, {FineLocation}}
}

// StrategyFor picks the negotiation strategy for p.
func StrategyFor(p Platform) Strategy {
	if !strings.EqualFold(p.OS, "android") {
		return noGrantStrategy{}
	}
	if p.APILevel < RuntimeGrantAPILevel {
		return legacyAndroidStrategy{}
	}
	return modernAndroidStrategy{}
}

// Gate evaluates the capability requirements once.
type Gate struct {
	strategy  Strategy
	requester Requester
	rationale Rationale
	logger    *slog.Logger
}

// New creates a Gate for platform p. requester may be nil on platforms that
// need no runtime grants. A nil logger falls back to slog.Default.
func New(p Platform, requester Requester, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		strategy:  StrategyFor(p),
		requester: requester,
		rationale: DefaultRationale,
		logger:    logger,
	}
}

// Request issues every request of the strategy and returns true only if all
// capabilities were granted. Every request is issued even after a refusal.
// There is no retry; the caller keeps the answer for the process lifetime.
func (g *Gate) Request(ctx context.Context) bool {
	g.logger.Info("requesting permissions")
	requests := g.strategy.Requests()
	if len(requests) == 0 {
		return true
	}
	if g.requester == nil {
		g.logger.Warn("platform requires runtime permissions but no requester is available")
		return false
	}

	granted := true
	for _, caps := range requests {
		ok, err := g.requester.Request(ctx, g.rationale, caps...)
		if err != nil {
			g.logger.Warn("permission request failed", "capabilities", caps, "err", err)
			ok = false
		}
		if !ok {
			g.logger.Warn("permission refused", "capabilities", caps)
			granted = false
		}
	}
	return granted
}
