package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a persisted large trade observed on the stream.
type Trade struct {
	ID        int64
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	IsSale    bool
	Timestamp time.Time
}

// OpenInterestSample 表示某一分钟桶内最后一次观测到的持仓量。
type OpenInterestSample struct {
	MinuteBucket int64
	Value        decimal.Decimal
	UpdatedAt    time.Time
}

// MinuteBucket truncates t to the start of its minute, in epoch seconds.
func MinuteBucket(t time.Time) int64 {
	sec := t.Unix()
	bucket := sec - sec%60
	if sec < 0 && sec%60 != 0 {
		bucket -= 60
	}
	return bucket
}
