package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Check evaluates a single rule against a transaction and its spending
// context. It returns whether the rule passed and a human-readable reason.
//
// A disabled rule always passes with reason "disabled". A rule whose
// parameters do not decode for its kind fails with a generic reason rather
// than aborting the evaluation.
func Check(r *Rule, tx *Transaction, ec *Context) (bool, string) {
	return checkAt(r, tx, ec, time.Now().UTC())
}

func checkAt(r *Rule, tx *Transaction, ec *Context, now time.Time) (bool, string) {
	if !r.Enabled {
		return true, "disabled"
	}

	switch r.Kind {
	case KindSpendingLimit:
		return checkSpendingLimit(r, tx, ec)
	case KindAddressWhitelist:
		return checkWhitelist(r, tx)
	case KindAddressBlacklist:
		return checkBlacklist(r, tx)
	case KindTimeRestriction:
		return checkTimeRestriction(r, now)
	case KindAmountThreshold:
		return checkAmountThreshold(r, tx)
	case KindDailyTxCount:
		return checkDailyTxCount(r, ec)
	default:
		return false, "rule evaluation error"
	}
}

func checkSpendingLimit(r *Rule, tx *Transaction, ec *Context) (bool, string) {
	var p SpendingLimitParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}

	switch p.Type {
	case "per_transaction":
		if tx.Value > p.Amount {
			return false, fmt.Sprintf("Transaction amount (%s) exceeds per-transaction limit (%s)",
				fmtAmount(tx.Value), fmtAmount(p.Amount))
		}
		return true, ""
	case "daily", "weekly", "monthly":
		var spent float64
		switch p.Type {
		case "daily":
			spent = ec.DailySpending
		case "weekly":
			spent = ec.WeeklySpending
		case "monthly":
			spent = ec.MonthlySpending
		}
		if spent+tx.Value > p.Amount {
			return false, fmt.Sprintf("Would exceed %s limit (%s + %s > %s)",
				p.Type, fmtAmount(spent), fmtAmount(tx.Value), fmtAmount(p.Amount))
		}
		return true, ""
	default:
		return false, "rule evaluation error"
	}
}

func checkWhitelist(r *Rule, tx *Transaction) (bool, string) {
	var p AddressListParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}
	to := strings.ToLower(tx.ToAddress)
	for _, a := range p.Addresses {
		if strings.ToLower(a) == to {
			return true, ""
		}
	}
	return false, fmt.Sprintf("Address %s not in whitelist", tx.ToAddress)
}

func checkBlacklist(r *Rule, tx *Transaction) (bool, string) {
	var p AddressListParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}
	to := strings.ToLower(tx.ToAddress)
	for _, a := range p.Addresses {
		if strings.ToLower(a) == to {
			return false, fmt.Sprintf("Address %s is blacklisted", tx.ToAddress)
		}
	}
	return true, ""
}

// checkTimeRestriction compares the current UTC hour against the allowed
// window, both bounds inclusive. The rule's timezone parameter is stored
// but not applied to the comparison; see the package design notes.
func checkTimeRestriction(r *Rule, now time.Time) (bool, string) {
	var p TimeRestrictionParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}

	startHour, endHour, ok := parseHourWindow(p.AllowedHours)
	if !ok {
		return false, "rule evaluation error"
	}

	h := now.UTC().Hour()
	if h >= startHour && h <= endHour {
		return true, ""
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return false, fmt.Sprintf("Outside allowed hours (%s %s)", p.AllowedHours, tz)
}

func checkAmountThreshold(r *Rule, tx *Transaction) (bool, string) {
	var p AmountThresholdParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}
	if tx.Value >= p.Threshold {
		return false, fmt.Sprintf("Transaction amount (%s) meets or exceeds threshold (%s)",
			fmtAmount(tx.Value), fmtAmount(p.Threshold))
	}
	return true, ""
}

func checkDailyTxCount(r *Rule, ec *Context) (bool, string) {
	var p DailyTxCountParams
	if err := json.Unmarshal(r.Parameters, &p); err != nil {
		return false, "rule evaluation error"
	}
	if ec.DailyTransactionCount >= p.MaxCount {
		return false, fmt.Sprintf("Daily transaction count limit reached (%d/%d)",
			ec.DailyTransactionCount, p.MaxCount)
	}
	return true, ""
}

// parseHourWindow parses "HH:MM-HH:MM" into start and end hours.
// Minutes are accepted but ignored.
func parseHourWindow(s string) (int, int, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok := parseHour(parts[0])
	if !ok {
		return 0, 0, false
	}
	end, ok := parseHour(parts[1])
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func parseHour(s string) (int, bool) {
	hm := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(hm) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	if _, err := strconv.Atoi(hm[1]); err != nil {
		return 0, false
	}
	return h, true
}

func fmtAmount(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
