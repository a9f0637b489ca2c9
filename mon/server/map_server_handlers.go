package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/seaweedfs/mapmon/mon/consensus"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/proposal"
	"github.com/seaweedfs/mapmon/mon/util"
)

// CommandRequest is the body of POST /cmd.
type CommandRequest struct {
	Prefix string `json:"prefix"`
	Args   Args   `json:"args,omitempty"`
	// Token names the request; a retry with the same token joins it.
	Token string `json:"token,omitempty"`
}

func (ms *MapServer) writeNotLeader(w http.ResponseWriter, r *http.Request, err error) {
	writeJsonQuiet(w, r, http.StatusServiceUnavailable, errorReply{
		Error:  err.Error(),
		Leader: ms.coord.Leader(),
	})
}

func (ms *MapServer) cmdHandler(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJsonError(w, r, http.StatusBadRequest, fmt.Errorf("decode command: %v", err))
		return
	}
	cmd, found := Commands[req.Prefix]
	if !found {
		writeJsonError(w, r, http.StatusNotFound, fmt.Errorf("unknown command %q", req.Prefix))
		return
	}
	m := ms.coord.Current()
	if err := cmd.Validate(m, req.Args); err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if cmd.Mutating && !ms.coord.IsLeader() {
		ms.writeNotLeader(w, r, proposal.ErrNotLeader)
		return
	}

	ctx := r.Context()
	if cmd.Mutating && ms.option.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ms.option.CommandTimeout)
		defer cancel()
	}
	glog.V(2).Infof("command %q token %q args %v", req.Prefix, req.Token, req.Args)
	reply, err := cmd.Apply(ctx, ms, req.Token, m, req.Args)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusServiceUnavailable && errors.Is(err, proposal.ErrNotLeader) {
			ms.writeNotLeader(w, r, err)
			return
		}
		writeJsonError(w, r, status, err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, reply)
}

func (ms *MapServer) mapHandler(w http.ResponseWriter, r *http.Request) {
	epoch, given, err := parseUint(r, "epoch")
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if !given {
		cur := ms.coord.Current()
		if cur == nil {
			writeJsonError(w, r, http.StatusServiceUnavailable, proposal.ErrNoMap)
			return
		}
		writeJsonQuiet(w, r, http.StatusOK, cur)
		return
	}
	m, err := ms.coord.Ledger().GetFull(osdmap.Epoch(epoch))
	if err != nil {
		writeJsonError(w, r, statusOf(err), err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, m)
}

func (ms *MapServer) incrementalHandler(w http.ResponseWriter, r *http.Request) {
	epoch, given, err := parseUint(r, "epoch")
	if err == nil && (!given || epoch < 2) {
		err = fmt.Errorf("parameter epoch must name an epoch after the first")
	}
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	// the delta that produced epoch
	inc, err := ms.coord.Ledger().GetIncremental(osdmap.Epoch(epoch - 1))
	if err != nil {
		writeJsonError(w, r, statusOf(err), err)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, inc)
}

// watchHandler answers once the local map reaches the given epoch.
func (ms *MapServer) watchHandler(w http.ResponseWriter, r *http.Request) {
	epoch, given, err := parseUint(r, "epoch")
	if err == nil && !given {
		err = fmt.Errorf("parameter epoch is required")
	}
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ms.option.WatchTimeout)
	defer cancel()
	if err := ms.coord.WaitForEpoch(ctx, osdmap.Epoch(epoch)); err != nil {
		writeJsonQuiet(w, r, http.StatusNotModified, nil)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, ms.coord.Current())
}

// pgCreatesHandler lists the placement groups a primary was last asked to
// create.
func (ms *MapServer) pgCreatesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.FormValue("device"), 10, 32)
	if err != nil || id < 0 {
		writeJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parameter device: invalid device id %q", r.FormValue("device")))
		return
	}
	ms.mu.RLock()
	n, found := ms.creates[osdmap.DeviceID(id)]
	ms.mu.RUnlock()
	if !found {
		writeJsonQuiet(w, r, http.StatusOK, proposal.Notification{Kind: proposal.NotifyPGCreate, Device: osdmap.DeviceID(id)})
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, n)
}

type StatusResult struct {
	proposal.Status
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	MapAge  string `json:"map_age,omitempty"`
	Devices string `json:"devices,omitempty"`
	Pools   int    `json:"pools"`
	PGs     string `json:"pgs,omitempty"`
	Flags   string `json:"flags,omitempty"`
}

func (ms *MapServer) status() StatusResult {
	st := StatusResult{
		Status:  ms.coord.Status(),
		Version: util.Version(),
		Uptime:  strings.TrimSpace(humanize.RelTime(ms.started, time.Now(), "", "")),
	}
	m := ms.coord.Current()
	if m == nil {
		return st
	}
	total, up, in := m.NumDevices()
	st.Devices = fmt.Sprintf("%s devices: %s up, %s in",
		humanize.Comma(int64(total)), humanize.Comma(int64(up)), humanize.Comma(int64(in)))
	var pgs int64
	for _, p := range m.GetPools() {
		pgs += int64(p.PGNum)
	}
	st.Pools = len(m.Pools)
	st.PGs = humanize.Comma(pgs)
	st.Flags = osdmap.FlagsString(m.Flags)
	if !m.Modified.IsZero() {
		st.MapAge = humanize.RelTime(m.Modified, ms.now(), "ago", "from now")
	}
	return st
}

func (ms *MapServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJsonQuiet(w, r, http.StatusOK, ms.status())
}

type ClusterStatusResult struct {
	IsLeader bool     `json:"IsLeader,omitempty"`
	Leader   string   `json:"Leader,omitempty"`
	Peers    []string `json:"Peers,omitempty"`
}

func (ms *MapServer) clusterStatusHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	peers := ms.peers
	ms.mu.RUnlock()
	writeJsonQuiet(w, r, http.StatusOK, ClusterStatusResult{
		IsLeader: ms.coord.IsLeader(),
		Leader:   ms.coord.Leader(),
		Peers:    peers,
	})
}

func (ms *MapServer) statsRaftHandler(w http.ResponseWriter, r *http.Request) {
	raft, ok := ms.consensusLog().(*consensus.Raft)
	if !ok {
		writeJsonQuiet(w, r, http.StatusNotFound, nil)
		return
	}
	writeJsonQuiet(w, r, http.StatusOK, raft.Stats())
}
