package server

import (
	"fmt"
	"math"
	"time"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// Args are the decoded "args" object of a command.
type Args map[string]interface{}

type badArgs struct {
	name   string
	reason string
}

func (e *badArgs) Error() string {
	return fmt.Sprintf("argument %q: %s", e.name, e.reason)
}

// argReader keeps the first error so a command can read all its
// arguments before checking.
type argReader struct {
	args Args
	err  error
}

func (a *argReader) fail(name, format string, v ...interface{}) {
	if a.err == nil {
		a.err = &badArgs{name: name, reason: fmt.Sprintf(format, v...)}
	}
}

func (a *argReader) has(name string) bool {
	_, ok := a.args[name]
	return ok
}

func (a *argReader) number(name string, required bool) (float64, bool) {
	v, ok := a.args[name]
	if !ok {
		if required {
			a.fail(name, "missing")
		}
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		a.fail(name, "not a number: %v", v)
		return 0, false
	}
	return f, true
}

func (a *argReader) int(name string) int64 {
	f, ok := a.number(name, true)
	if ok && f != math.Trunc(f) {
		a.fail(name, "not an integer: %v", f)
	}
	return int64(f)
}

func (a *argReader) float(name string) float64 {
	f, _ := a.number(name, true)
	return f
}

func (a *argReader) device(name string) osdmap.DeviceID {
	id := a.int(name)
	if id < 0 || id > math.MaxInt32 {
		a.fail(name, "invalid device id %d", id)
	}
	return osdmap.DeviceID(id)
}

func (a *argReader) optDevice(name string) *osdmap.DeviceID {
	if !a.has(name) {
		return nil
	}
	id := a.device(name)
	return &id
}

func (a *argReader) epoch(name string) osdmap.Epoch {
	e := a.int(name)
	if e < 0 {
		a.fail(name, "invalid epoch %d", e)
	}
	return osdmap.Epoch(e)
}

// seconds reads an optional duration given in seconds.
func (a *argReader) seconds(name string) time.Duration {
	f, ok := a.number(name, false)
	if !ok {
		return 0
	}
	if f < 0 {
		a.fail(name, "negative duration %v", f)
	}
	return time.Duration(f * float64(time.Second))
}

func (a *argReader) string(name string) string {
	v, ok := a.args[name]
	if !ok {
		a.fail(name, "missing")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		a.fail(name, "not a string: %v", v)
	}
	return s
}

func (a *argReader) optString(name string) string {
	if !a.has(name) {
		return ""
	}
	return a.string(name)
}

func (a *argReader) bool(name string) bool {
	v, ok := a.args[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		a.fail(name, "not a boolean: %v", v)
	}
	return b
}

func (a *argReader) labels(name string) map[string]string {
	v, ok := a.args[name]
	if !ok {
		return nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		a.fail(name, "not an object: %v", v)
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, x := range obj {
		s, ok := x.(string)
		if !ok {
			a.fail(name, "value of %q is not a string", k)
			continue
		}
		out[k] = s
	}
	return out
}

func (a *argReader) list(name string) []interface{} {
	v, ok := a.args[name]
	if !ok {
		a.fail(name, "missing")
		return nil
	}
	l, ok := v.([]interface{})
	if !ok {
		a.fail(name, "not a list: %v", v)
	}
	return l
}

func (a *argReader) devices(name string) []osdmap.DeviceID {
	var out []osdmap.DeviceID
	for _, v := range a.list(name) {
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			a.fail(name, "invalid device id %v", v)
			return nil
		}
		out = append(out, osdmap.DeviceID(f))
	}
	return out
}

func (a *argReader) snaps(name string) []osdmap.SnapID {
	var out []osdmap.SnapID
	for _, v := range a.list(name) {
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			a.fail(name, "invalid snapshot id %v", v)
			return nil
		}
		out = append(out, osdmap.SnapID(f))
	}
	return out
}

// intervals reads [[start, end], ...] half open ranges.
func (a *argReader) intervals(name string) osdmap.SnapIntervalSet {
	var set osdmap.SnapIntervalSet
	for _, v := range a.list(name) {
		pair, ok := v.([]interface{})
		if !ok || len(pair) != 2 {
			a.fail(name, "not a [start, end] pair: %v", v)
			return nil
		}
		start, ok1 := pair[0].(float64)
		end, ok2 := pair[1].(float64)
		if !ok1 || !ok2 || start < 0 || end <= start {
			a.fail(name, "invalid interval %v", v)
			return nil
		}
		set = set.Insert(osdmap.SnapID(start), osdmap.SnapID(end))
	}
	return set
}

func (a *argReader) pg(name string) osdmap.PGID {
	s := a.string(name)
	if a.err != nil {
		return osdmap.PGID{}
	}
	pg, err := osdmap.ParsePGID(s)
	if err != nil {
		a.fail(name, "%v", err)
	}
	return pg
}

// pool accepts a pool id or a pool name resolved against m.
func (a *argReader) pool(m *osdmap.Map, name string) osdmap.PoolID {
	v, ok := a.args[name]
	if !ok {
		a.fail(name, "missing")
		return osdmap.NoPool
	}
	switch x := v.(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) {
			a.fail(name, "invalid pool id %v", x)
			return osdmap.NoPool
		}
		return osdmap.PoolID(x)
	case string:
		if m != nil {
			if p, found := m.PoolByName(x); found {
				return p.ID
			}
		}
		a.fail(name, "no pool named %q", x)
	default:
		a.fail(name, "not a pool id or name: %v", v)
	}
	return osdmap.NoPool
}
