package model

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Canonical type ranks used when values of different types are compared.
// Numbers of any width share a rank, as do strings and symbols.
const (
	rankMinKey    = -1
	rankNull      = 5
	rankNumber    = 10
	rankString    = 15
	rankDocument  = 20
	rankArray     = 25
	rankBinary    = 30
	rankObjectID  = 35
	rankBool      = 40
	rankDate      = 45
	rankTimestamp = 47
	rankRegex     = 50
	rankOther     = 100
	rankMaxKey    = 127
)

func canonicalRank(v interface{}) int {
	switch v.(type) {
	case primitive.MinKey:
		return rankMinKey
	case nil, primitive.Null, primitive.Undefined:
		return rankNull
	case int, int32, int64, float32, float64:
		return rankNumber
	case string, primitive.Symbol:
		return rankString
	case primitive.D, primitive.M:
		return rankDocument
	case primitive.A, []interface{}:
		return rankArray
	case primitive.Binary, []byte:
		return rankBinary
	case primitive.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case primitive.DateTime, time.Time:
		return rankDate
	case primitive.Timestamp:
		return rankTimestamp
	case primitive.Regex:
		return rankRegex
	case primitive.MaxKey:
		return rankMaxKey
	default:
		return rankOther
	}
}

// CompareKeys orders two structured keys element by element: canonical type
// rank first, then field name, then value. A key that is a prefix of the
// other sorts first.
func CompareKeys(a, b bson.D) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		ra, rb := canonicalRank(a[i].Value), canonicalRank(b[i].Value)
		if ra != rb {
			return compareInts(int64(ra), int64(rb))
		}
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := CompareValues(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(a)), int64(len(b)))
}

// CompareValues orders two structured values.
func CompareValues(a, b interface{}) int {
	ra, rb := canonicalRank(a), canonicalRank(b)
	if ra != rb {
		return compareInts(int64(ra), int64(rb))
	}

	switch ra {
	case rankMinKey, rankMaxKey, rankNull:
		return 0
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return strings.Compare(stringOf(a), stringOf(b))
	case rankDocument:
		return CompareKeys(documentOf(a), documentOf(b))
	case rankArray:
		return compareArrays(arrayOf(a), arrayOf(b))
	case rankBinary:
		return compareBinary(a, b)
	case rankObjectID:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case rankBool:
		return compareBools(a.(bool), b.(bool))
	case rankDate:
		return compareInts(millisOf(a), millisOf(b))
	case rankTimestamp:
		ta, tb := a.(primitive.Timestamp), b.(primitive.Timestamp)
		if ta.T != tb.T {
			return compareInts(int64(ta.T), int64(tb.T))
		}
		return compareInts(int64(ta.I), int64(tb.I))
	case rankRegex:
		xa, xb := a.(primitive.Regex), b.(primitive.Regex)
		if c := strings.Compare(xa.Pattern, xb.Pattern); c != 0 {
			return c
		}
		return strings.Compare(xa.Options, xb.Options)
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// asNumber returns the value as an int64 when it is integral and as a float64 otherwise.
func asNumber(v interface{}) (int64, float64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), 0, true
	case int32:
		return int64(n), 0, true
	case int64:
		return n, 0, true
	case float32:
		return asFloat(float64(n))
	case float64:
		return asFloat(n)
	}

	return 0, 0, false
}

func asFloat(f float64) (int64, float64, bool) {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), 0, true
	}

	return 0, f, false
}

func compareNumbers(a, b interface{}) int {
	ia, fa, intA := asNumber(a)
	ib, fb, intB := asNumber(b)
	if intA && intB {
		return compareInts(ia, ib)
	}
	if intA {
		fa = float64(ia)
	}
	if intB {
		fb = float64(ib)
	}

	// NaN sorts below every other number.
	switch {
	case math.IsNaN(fa) && math.IsNaN(fb):
		return 0
	case math.IsNaN(fa):
		return -1
	case math.IsNaN(fb):
		return 1
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func stringOf(v interface{}) string {
	if s, ok := v.(primitive.Symbol); ok {
		return string(s)
	}

	return v.(string)
}

func documentOf(v interface{}) bson.D {
	switch d := v.(type) {
	case primitive.D:
		return d
	case primitive.M:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		doc := make(bson.D, 0, len(keys))
		for _, k := range keys {
			doc = append(doc, bson.E{Key: k, Value: d[k]})
		}
		return doc
	}

	return nil
}

func arrayOf(v interface{}) []interface{} {
	if a, ok := v.(primitive.A); ok {
		return a
	}

	return v.([]interface{})
}

func compareArrays(a, b []interface{}) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}

	return compareInts(int64(len(a)), int64(len(b)))
}

func compareBinary(a, b interface{}) int {
	var da, db []byte
	var sa, sb byte
	if bin, ok := a.(primitive.Binary); ok {
		da, sa = bin.Data, bin.Subtype
	} else {
		da = a.([]byte)
	}
	if bin, ok := b.(primitive.Binary); ok {
		db, sb = bin.Data, bin.Subtype
	} else {
		db = b.([]byte)
	}

	if len(da) != len(db) {
		return compareInts(int64(len(da)), int64(len(db)))
	}
	if sa != sb {
		return compareInts(int64(sa), int64(sb))
	}

	return bytes.Compare(da, db)
}

func millisOf(v interface{}) int64 {
	if d, ok := v.(primitive.DateTime); ok {
		return int64(d)
	}

	return v.(time.Time).UnixMilli()
}

// appendCanonicalKey writes a type-tagged textual form of key in which values
// that compare equal (for example int32(5) and int64(5)) produce identical bytes.
func appendCanonicalKey(buf []byte, key bson.D) []byte {
	buf = append(buf, '{')
	for _, e := range key {
		buf = append(buf, e.Key...)
		buf = append(buf, ':')
		buf = appendCanonicalValue(buf, e.Value)
		buf = append(buf, ',')
	}

	return append(buf, '}')
}

func appendCanonicalValue(buf []byte, v interface{}) []byte {
	rank := canonicalRank(v)
	buf = strconv.AppendInt(buf, int64(rank), 10)
	buf = append(buf, '|')

	switch rank {
	case rankMinKey, rankMaxKey, rankNull:
		return buf
	case rankNumber:
		i, f, isInt := asNumber(v)
		if isInt {
			return strconv.AppendInt(buf, i, 10)
		}
		return strconv.AppendFloat(buf, f, 'g', -1, 64)
	case rankString:
		return strconv.AppendQuote(buf, stringOf(v))
	case rankDocument:
		return appendCanonicalKey(buf, documentOf(v))
	case rankArray:
		buf = append(buf, '[')
		for _, item := range arrayOf(v) {
			buf = appendCanonicalValue(buf, item)
			buf = append(buf, ',')
		}
		return append(buf, ']')
	default:
		return fmt.Appendf(buf, "%v", v)
	}
}
