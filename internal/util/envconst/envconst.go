// Package envconst reads tunables from environment variables, falling back to
// compiled-in defaults. Values are parsed once and cached; malformed values
// panic since they indicate operator error at startup.
package envconst

import (
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

var cache sync.Map

func lookup(varname string, parse func(string) (interface{}, error), def interface{}) interface{} {
	if v, ok := cache.Load(varname); ok {
		return v
	}
	var res interface{} = def
	if e := os.Getenv(varname); e != "" {
		var err error
		res, err = parse(e)
		if err != nil {
			panic(err)
		}
	}
	cache.Store(varname, res)
	return res
}

func Duration(varname string, def time.Duration) time.Duration {
	return lookup(varname, func(s string) (interface{}, error) {
		return time.ParseDuration(s)
	}, def).(time.Duration)
}

func Int(varname string, def int) int {
	return lookup(varname, func(s string) (interface{}, error) {
		d64, err := strconv.ParseInt(s, 10, strconv.IntSize)
		return int(d64), err
	}, def).(int)
}

func Bool(varname string, def bool) bool {
	return lookup(varname, func(s string) (interface{}, error) {
		return strconv.ParseBool(s)
	}, def).(bool)
}

func String(varname string, def string) string {
	return lookup(varname, func(s string) (interface{}, error) {
		return s, nil
	}, def).(string)
}

type Report struct {
	Entries []EntryReport
}

type EntryReport struct {
	Var         string
	Value       string
	ValueGoType string
}

// GetReport lists every variable looked up so far with its effective value.
func GetReport() *Report {
	var r Report
	cache.Range(func(key, value interface{}) bool {
		r.Entries = append(r.Entries, EntryReport{
			Var:         key.(string),
			Value:       toString(value),
			ValueGoType: typeName(value),
		})
		return true
	})
	sort.Slice(r.Entries, func(i, j int) bool { return r.Entries[i].Var < r.Entries[j].Var })
	return &r
}

func toString(v interface{}) string {
	switch v := v.(type) {
	case time.Duration:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return ""
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case time.Duration:
		return "time.Duration"
	case int:
		return "int"
	case bool:
		return "bool"
	case string:
		return "string"
	default:
		return "unknown"
	}
}
