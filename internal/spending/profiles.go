// Package spending enforces layered spending limits on AI-initiated
// transfers. It sits in front of the wallet: every transfer is checked
// against the active security profile before broadcast, and blocked
// transfers open approval requests for a human to resolve.
package spending

import (
	"math"
	"strconv"
)

// SecurityLevel selects a limit profile at startup.
type SecurityLevel string

const (
	LevelUnrestricted SecurityLevel = "unrestricted"
	LevelModerate     SecurityLevel = "moderate"
	LevelStrict       SecurityLevel = "strict"
	LevelLockdown     SecurityLevel = "lockdown"
)

// Profile holds the limits one security level enforces. Amounts are in ETH.
type Profile struct {
	MaxSingleTx           float64
	HourlyLimit           float64
	DailyLimit            float64
	ApprovalThreshold     float64
	MaxTxPerHour          int
	RequireApprovalAlways bool
}

var profiles = map[SecurityLevel]Profile{
	LevelUnrestricted: {
		MaxSingleTx:       math.Inf(1),
		HourlyLimit:       math.Inf(1),
		DailyLimit:        math.Inf(1),
		ApprovalThreshold: math.Inf(1),
		MaxTxPerHour:      1000,
	},
	LevelModerate: {
		MaxSingleTx:       1.0,
		HourlyLimit:       5.0,
		DailyLimit:        20.0,
		ApprovalThreshold: 0.5,
		MaxTxPerHour:      50,
	},
	LevelStrict: {
		MaxSingleTx:       0.5,
		HourlyLimit:       2.0,
		DailyLimit:        10.0,
		ApprovalThreshold: 0.1,
		MaxTxPerHour:      20,
	},
	LevelLockdown: {
		MaxSingleTx:           0.1,
		HourlyLimit:           0.5,
		DailyLimit:            2.0,
		ApprovalThreshold:     0.01,
		MaxTxPerHour:          5,
		RequireApprovalAlways: true,
	},
}

// ProfileFor returns the limit profile for a security level.
func ProfileFor(level SecurityLevel) (Profile, bool) {
	p, ok := profiles[level]
	return p, ok
}

// Levels returns the known security levels.
func Levels() []SecurityLevel {
	return []SecurityLevel{LevelUnrestricted, LevelModerate, LevelStrict, LevelLockdown}
}

// fmtLimit renders a limit for API responses; infinite limits read as
// "unlimited" since +Inf is not representable in JSON.
func fmtLimit(v float64) string {
	if math.IsInf(v, 1) {
		return "unlimited"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
