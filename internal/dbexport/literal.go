package dbexport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Literal renders a scanned column value as a SQL literal in dialect d:
// NULL for nil, bare digits for numbers, 1/0 for booleans and a quoted
// string or blob for everything else.
func Literal(d Dialect, v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return d.QuoteString(x.Format(time.DateTime))
	case []byte:
		return d.QuoteBytes(x)
	case string:
		return d.QuoteString(x)
	default:
		return d.QuoteString(fmt.Sprint(x))
	}
}

// numericLiteral renders a value from a numeric column. Drivers using the
// text protocol hand numbers back as bytes; those are emitted bare when
// they are plain decimal numbers.
func numericLiteral(d Dialect, v any) string {
	var s string
	switch x := v.(type) {
	case []byte:
		s = string(x)
	case string:
		s = x
	default:
		return Literal(d, v)
	}
	if isDecimal(s) {
		return s
	}
	return d.QuoteString(s)
}

// isDecimal accepts [+-]digits[.digits][e[+-]digits]. NaN and Inf are
// rejected even though ParseFloat accepts them.
func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[i] == '+' || s[i] == '-' {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			exp++
		}
		if exp == 0 {
			return false
		}
	}
	return i == len(s)
}

var numericTypes = map[string]bool{
	"TINYINT": true, "SMALLINT": true, "MEDIUMINT": true, "INT": true, "INTEGER": true,
	"BIGINT": true, "DECIMAL": true, "NUMERIC": true, "FLOAT": true, "DOUBLE": true,
	"REAL": true, "UNSIGNED TINYINT": true, "UNSIGNED SMALLINT": true,
	"UNSIGNED MEDIUMINT": true, "UNSIGNED INT": true, "UNSIGNED BIGINT": true,
}

func isNumericType(dbType string) bool {
	return numericTypes[strings.ToUpper(dbType)]
}
