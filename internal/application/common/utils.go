package common

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"fulfillment/internal/appers"

	"github.com/jackc/pgx/v5/pgtype"
)

// Version проставляется при сборке: -ldflags "-X fulfillment/internal/application/common.Version=..."
var Version = "dev"

var (
	// допустимы: "123", "123.4", "123,45", "+0.99", "-10", пробелы по краям
	reDec = regexp.MustCompile(`^\s*([+-])?(\d+)(?:[.,](\d+))?\s*$`)

	// NUMERIC(18,2) -> максимум 16 цифр в целой части (с учётом 2 знаков после запятой)
	maxIntDigits = 16
	maxScale     = 2

	// 10^18 минимальных единиц: первое значение, не влезающее в NUMERIC(18,2)
	maxMinorUnits = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(maxIntDigits+maxScale)), nil)
)

// NumericFromString2Strict парсит строку в точное десятичное число
// с масштабом не более 2 и целой частью до 16 знаков.
// Ничего не округляет: если больше 2 знаков после запятой, вернёт ошибку.
// Если строка пустая или содержит только пробелы, возвращает невалидный pgtype.Numeric (Valid = false).
func NumericFromString2Strict(s string) (pgtype.Numeric, error) {
	var zero pgtype.Numeric

	s = strings.TrimSpace(s)
	if s == "" {
		return zero, nil
	}

	canonical, err := CanonicalDecimal(s)
	if err != nil {
		return zero, err
	}

	var n pgtype.Numeric
	if err := n.Scan(canonical); err != nil {
		return zero, err
	}
	return n, nil
}

// CanonicalDecimal приводит строку к виду "[-]123.45" (ровно два знака после точки).
func CanonicalDecimal(s string) (string, error) {
	m := reDec.FindStringSubmatch(s)
	if m == nil {
		return "", appers.ErrFormat
	}
	sign := m[1]
	intPart := trimZeros(m[2])
	frac := m[3]

	if len(frac) > maxScale {
		return "", appers.ErrScale
	}
	if len(intPart) > maxIntDigits {
		return "", appers.ErrPrecision
	}

	if frac == "" {
		frac = "00"
	} else if len(frac) == 1 {
		frac += "0"
	}
	if sign == "+" {
		sign = ""
	}
	return sign + intPart + "." + frac, nil
}

func NumericToString(n pgtype.Numeric) (string, error) {
	if !n.Valid {
		return "", nil // NULL
	}
	v, err := n.Value()
	if err != nil {
		return "", err
	}
	switch vv := v.(type) {
	case string:
		return vv, nil
	case []byte:
		return string(vv), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(vv), nil
	}
}

// MinorUnits переводит NUMERIC(18,2) в копейки/центы.
func MinorUnits(n pgtype.Numeric) (int64, error) {
	if !n.Valid || n.Int == nil {
		return 0, appers.ErrFormat
	}
	v := new(big.Int).Set(n.Int)
	exp := n.Exp + 2
	ten := big.NewInt(10)
	for ; exp > 0; exp-- {
		v.Mul(v, ten)
	}
	for ; exp < 0; exp++ {
		v.Quo(v, ten)
	}
	if !v.IsInt64() {
		return 0, appers.ErrPrecision
	}
	return v.Int64(), nil
}

// PriceMinorUnits парсит строковую сумму NUMERIC(18,2) сразу в минимальные единицы валюты.
func PriceMinorUnits(price string) (int64, error) {
	n, err := NumericFromString2Strict(price)
	if err != nil {
		return 0, err
	}
	return MinorUnits(n)
}

// AddLineMinorUnits возвращает total + price*quantity без переполнения int64.
// Сумма, не помещающаяся в NUMERIC(18,2), даёт ErrPrecision.
func AddLineMinorUnits(total, price, quantity int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(price), big.NewInt(quantity))
	v.Add(v, big.NewInt(total))
	if v.CmpAbs(maxMinorUnits) >= 0 {
		return 0, appers.ErrPrecision
	}
	return v.Int64(), nil
}

func FormatMinorUnits(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func trimZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// PgInterval форматирует длительность для `$n::interval`. Точность - миллисекунды.
func PgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// NextBackoffWithJitter - экспоненциальная задержка base*2^(attempts-1), ограниченная limit,
// с джиттером в верхней половине интервала.
func NextBackoffWithJitter(attempts int, base, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}

	d := base
	for i := 1; i < attempts; i++ {
		d <<= 1
		if d >= limit || d <= 0 {
			d = limit
			break
		}
	}

	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(half))

	return d/2 + jitter
}

func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
	}()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
