package server

import (
	"context"
	"sort"
	"time"

	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// Reply is the answer to a command.
type Reply struct {
	Outcome string       `json:"outcome,omitempty"`
	Message string       `json:"message,omitempty"`
	Value   interface{}  `json:"value,omitempty"`
	Epoch   osdmap.Epoch `json:"epoch"`
}

// Command is one entry of the command registry.
type Command struct {
	// Mutating commands are served by the leader and wait for the commit.
	Mutating bool
	Help     string
	// Validate checks the arguments against the committed map, which may
	// be nil before bootstrap.
	Validate func(m *osdmap.Map, args Args) error
	Apply    func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error)
}

var Commands = map[string]Command{}

func register(prefix string, c Command) {
	if _, found := Commands[prefix]; found {
		panic("command registered twice: " + prefix)
	}
	Commands[prefix] = c
}

// Prefixes lists the registered commands in order.
func Prefixes() []string {
	var out []string
	for p := range Commands {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

type parseFunc func(a *argReader, m *osdmap.Map, now time.Time) membership.Stimulus

// stimulus builds a mutating command that submits the stimulus parse
// reads from the arguments.
func stimulus(help string, parse parseFunc) Command {
	return Command{
		Mutating: true,
		Help:     help,
		Validate: func(m *osdmap.Map, args Args) error {
			a := &argReader{args: args}
			parse(a, m, time.Time{})
			return a.err
		},
		Apply: func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error) {
			a := &argReader{args: args}
			s := parse(a, m, ms.now())
			if a.err != nil {
				return Reply{}, a.err
			}
			res, err := ms.coord.Submit(ctx, token, s)
			if err != nil {
				return Reply{}, err
			}
			return ms.reply(res), nil
		},
	}
}

// query builds a read only command answered from the committed state.
func query(help string, answer func(ms *MapServer, a *argReader, m *osdmap.Map) (interface{}, error)) Command {
	return Command{
		Help: help,
		Validate: func(m *osdmap.Map, args Args) error {
			return nil
		},
		Apply: func(ctx context.Context, ms *MapServer, token string, m *osdmap.Map, args Args) (Reply, error) {
			a := &argReader{args: args}
			v, err := answer(ms, a, m)
			if a.err != nil {
				return Reply{}, a.err
			}
			if err != nil {
				return Reply{}, err
			}
			r := Reply{Value: v}
			if m != nil {
				r.Epoch = m.Epoch
			}
			return r, nil
		},
	}
}

func (ms *MapServer) reply(res membership.Result) Reply {
	r := Reply{Outcome: res.Outcome.String(), Message: res.Message, Value: res.Value}
	if cur := ms.coord.Current(); cur != nil {
		r.Epoch = cur.Epoch
	}
	return r
}
