package membership

import (
	"bytes"
	"time"

	"github.com/seaweedfs/mapmon/mon/osdmap"
)

// SetFlag sets or clears a cluster wide flag.
type SetFlag struct {
	Name string
	On   bool
}

func (s SetFlag) Kind() string { return "flag" }

func (s SetFlag) Apply(sm *Machine, p *Pending) (Result, error) {
	f, ok := osdmap.FlagByName(s.Name)
	if !ok {
		return Result{}, reject(EINVAL, "unknown flag %q", s.Name)
	}
	cur := p.Next().Flags
	want := cur &^ f
	if s.On {
		want |= f
	}
	if want == cur {
		if p.Base.Flags&f == want&f {
			return noop("flag %s unchanged", s.Name)
		}
		return alreadyPending("flag %s already pending", s.Name)
	}
	p.SetFlags(want)
	if s.On {
		return staged("%s is set", s.Name)
	}
	return staged("%s is unset", s.Name)
}

// BlacklistAdd denies an address until the expiry passes.
type BlacklistAdd struct {
	Addr   string
	Expire time.Duration
}

func (s BlacklistAdd) Kind() string { return "blacklist-add" }

func (s BlacklistAdd) Apply(sm *Machine, p *Pending) (Result, error) {
	if s.Addr == "" {
		return Result{}, reject(EINVAL, "empty address")
	}
	expire := s.Expire
	if expire <= 0 {
		expire = sm.opts.BlacklistExpire
	}
	until := p.Now.Add(expire)
	if p.Inc.NewBlacklist == nil {
		p.Inc.NewBlacklist = make(map[string]time.Time)
	}
	p.Inc.NewBlacklist[s.Addr] = until
	p.Inc.OldBlacklist = removeString(p.Inc.OldBlacklist, s.Addr)
	p.touch()
	return Result{Outcome: Staged, Message: sprintf("blacklisting %s until %s", s.Addr, until.Format(time.RFC3339)), Value: until}, nil
}

type BlacklistRemove struct {
	Addr string
}

func (s BlacklistRemove) Kind() string { return "blacklist-rm" }

func (s BlacklistRemove) Apply(sm *Machine, p *Pending) (Result, error) {
	if _, pending := p.Inc.NewBlacklist[s.Addr]; pending {
		delete(p.Inc.NewBlacklist, s.Addr)
		p.touch()
	}
	if _, ok := p.Base.Blacklist[s.Addr]; !ok {
		return noop("%s isn't blacklisted", s.Addr)
	}
	if containsString(p.Inc.OldBlacklist, s.Addr) {
		return alreadyPending("un-blacklisting %s already pending", s.Addr)
	}
	p.Inc.OldBlacklist = append(p.Inc.OldBlacklist, s.Addr)
	p.touch()
	return staged("un-blacklisting %s", s.Addr)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RequireRelease raises the minimum release devices must run.
type RequireRelease struct {
	Release osdmap.Release
}

func (s RequireRelease) Kind() string { return "require-release" }

func (s RequireRelease) Apply(sm *Machine, p *Pending) (Result, error) {
	if s.Release < osdmap.ReleaseBase || s.Release > osdmap.ReleasePurgedSnaps {
		return Result{}, reject(EINVAL, "unknown release %d", s.Release)
	}
	cur := p.Next().RequireRelease
	if s.Release < cur {
		return Result{}, reject(EPERM, "require release is %d; it cannot be lowered to %d", cur, s.Release)
	}
	if s.Release == cur {
		if p.Base.RequireRelease == cur {
			return noop("require release is already %d", cur)
		}
		return alreadyPending("require release %d already pending", cur)
	}
	r := s.Release
	p.Inc.NewRequireRelease = &r
	p.touch()
	return staged("require release set to %d", r)
}

// SetCrush replaces the placement rule blob.
type SetCrush struct {
	Blob []byte
}

func (s SetCrush) Kind() string { return "crush-set" }

func (s SetCrush) Apply(sm *Machine, p *Pending) (Result, error) {
	cur := p.Next().Crush
	if bytes.Equal(cur.Blob, s.Blob) {
		if bytes.Equal(p.Base.Crush.Blob, s.Blob) {
			return noop("crush map unchanged")
		}
		return alreadyPending("crush map update already pending")
	}
	if p.Inc.Crush != nil {
		return Result{}, reject(EAGAIN, "another crush map update is pending")
	}
	p.Inc.Crush = &osdmap.CrushMap{Version: p.Base.Crush.Version + 1, Blob: append([]byte(nil), s.Blob...)}
	p.touch()
	return staged("set crush map version %d", p.Inc.Crush.Version)
}
