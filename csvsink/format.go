package csvsink

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/calvinmclean/servorig"
)

// TimestampLayout is the ISO-8601 layout used for the timestamp column
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Header returns the header row for a group with the given actuators
func Header(ids []servorig.ActuatorID) []string {
	header := make([]string, 0, 1+len(ids)*servorig.ColumnsPerActuator)
	header = append(header, "timestamp")
	for _, id := range ids {
		header = append(header, servorig.Columns(id)...)
	}
	return header
}

// FormatField renders one value. nil (including nil pointers) becomes an empty field, a
// value containing a comma, double quote or newline is quoted with inner quotes doubled,
// and everything else is written as plain text.
func FormatField(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return quote(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case servorig.ActuatorID:
		return strconv.Itoa(int(val))
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(TimestampLayout)
	case *int:
		if val == nil {
			return ""
		}
		return strconv.Itoa(*val)
	case *float64:
		if val == nil {
			return ""
		}
		return strconv.FormatFloat(*val, 'f', -1, 64)
	case *string:
		if val == nil {
			return ""
		}
		return quote(*val)
	case *bool:
		if val == nil {
			return ""
		}
		return strconv.FormatBool(*val)
	case fmt.Stringer:
		return quote(val.String())
	default:
		return quote(fmt.Sprint(val))
	}
}

func quote(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// formatRow renders a full line including the trailing newline
func formatRow(values []any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(FormatField(v))
	}
	b.WriteByte('\n')
	return b.String()
}
