// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FormatMoney formats an amount with two decimals and thousands separators.
func FormatMoney(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := decimal.NewFromFloat(amount).StringFixed(2)
	parts := strings.SplitN(str, ".", 2)

	result := groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl float64) string {
	formatted := FormatMoney(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatPrice formats a price, keeping extra precision for sub-unit prices.
func FormatPrice(price float64) string {
	if price != 0 && price < 1 && price > -1 {
		return decimal.NewFromFloat(price).StringFixed(6)
	}
	return decimal.NewFromFloat(price).StringFixed(2)
}

// FormatQuantity formats a quantity without trailing zeros.
func FormatQuantity(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}

// FormatDuration renders a holding time as "1h05m" or "12m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
