package osdmap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type Epoch uint64

type DeviceID int32

type PoolID int64

type SnapID uint64

// device state bits, combined with XOR masks in an Incremental
const (
	StateExists uint32 = 1 << iota
	StateUp
	StateAutoOut
	StateNew
	StateDestroyed
	StateNoUp
	StateNoDown
	StateNoIn
	StateNoOut
)

const (
	WeightOut          uint32 = 0
	WeightIn           uint32 = 0x10000
	MaxPrimaryAffinity uint32 = 0x10000
)

// cluster wide flags
const (
	FlagPauseRead uint32 = 1 << iota
	FlagPauseWrite
	FlagNoUp
	FlagNoDown
	FlagNoIn
	FlagNoOut
	FlagFull
	FlagNoBackfill
	FlagNoRecover
	FlagNoScrub
)

var flagNames = map[string]uint32{
	"pauserd":    FlagPauseRead,
	"pausewr":    FlagPauseWrite,
	"noup":       FlagNoUp,
	"nodown":     FlagNoDown,
	"noin":       FlagNoIn,
	"noout":      FlagNoOut,
	"full":       FlagFull,
	"nobackfill": FlagNoBackfill,
	"norecover":  FlagNoRecover,
	"noscrub":    FlagNoScrub,
}

func FlagByName(name string) (uint32, bool) {
	if name == "pause" {
		return FlagPauseRead | FlagPauseWrite, true
	}
	f, ok := flagNames[name]
	return f, ok
}

func FlagsString(flags uint32) string {
	var names []string
	for name, f := range flagNames {
		if flags&f != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

var deviceFlagNames = map[string]uint32{
	"noup":   StateNoUp,
	"nodown": StateNoDown,
	"noin":   StateNoIn,
	"noout":  StateNoOut,
}

func DeviceFlagByName(name string) (uint32, bool) {
	f, ok := deviceFlagNames[name]
	return f, ok
}

func StateString(state uint32) string {
	var parts []string
	if state&StateExists == 0 {
		return "dne"
	}
	parts = append(parts, "exists")
	if state&StateUp != 0 {
		parts = append(parts, "up")
	}
	if state&StateAutoOut != 0 {
		parts = append(parts, "autoout")
	}
	if state&StateNew != 0 {
		parts = append(parts, "new")
	}
	if state&StateDestroyed != 0 {
		parts = append(parts, "destroyed")
	}
	for name, f := range deviceFlagNames {
		if state&f != 0 {
			parts = append(parts, name)
		}
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, ",")
}

// Release is the minimum release every daemon must run. Raising it past
// ReleasePurgedSnaps migrates legacy pool records forward.
type Release int

const (
	ReleaseBase Release = iota + 1
	ReleasePurgedSnaps
)

type PGID struct {
	Pool PoolID
	Seed uint32
}

func (pg PGID) String() string {
	return fmt.Sprintf("%d.%x", pg.Pool, pg.Seed)
}

func (pg PGID) Less(o PGID) bool {
	if pg.Pool != o.Pool {
		return pg.Pool < o.Pool
	}
	return pg.Seed < o.Seed
}

func (pg PGID) MarshalText() ([]byte, error) {
	return []byte(pg.String()), nil
}

func (pg *PGID) UnmarshalText(text []byte) error {
	p, err := ParsePGID(string(text))
	if err != nil {
		return err
	}
	*pg = p
	return nil
}

func ParsePGID(s string) (PGID, error) {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return PGID{}, fmt.Errorf("invalid pgid %q", s)
	}
	pool, err := strconv.ParseInt(s[:dot], 10, 64)
	if err != nil || pool < 0 {
		return PGID{}, fmt.Errorf("invalid pool in pgid %q", s)
	}
	seed, err := strconv.ParseUint(s[dot+1:], 16, 32)
	if err != nil {
		return PGID{}, fmt.Errorf("invalid seed in pgid %q", s)
	}
	return PGID{Pool: PoolID(pool), Seed: uint32(seed)}, nil
}

func SortPGIDs(pgs []PGID) {
	sort.Slice(pgs, func(i, j int) bool { return pgs[i].Less(pgs[j]) })
}
