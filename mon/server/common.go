package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/proposal"
	"github.com/seaweedfs/mapmon/mon/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJson(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) (err error) {
	var bytes []byte
	if obj != nil {
		if r.FormValue("pretty") != "" {
			bytes, err = json.MarshalIndent(obj, "", "  ")
		} else {
			bytes, err = json.Marshal(obj)
		}
	}
	if err != nil {
		return
	}

	if httpStatus >= 400 {
		glog.V(0).Infof("response method:%s URL:%s with httpStatus:%d and JSON:%s",
			r.Method, r.URL.String(), httpStatus, string(bytes))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if httpStatus == http.StatusNotModified {
		return
	}
	_, err = w.Write(bytes)
	return
}

// wrapper for writeJson - just logs errors
func writeJsonQuiet(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) {
	if err := writeJson(w, r, httpStatus, obj); err != nil {
		glog.V(0).Infof("error writing JSON status %s %d: %v", r.URL, httpStatus, err)
		glog.V(1).Infof("JSON content: %+v", obj)
	}
}

type errorReply struct {
	Error  string          `json:"error"`
	Code   membership.Code `json:"code,omitempty"`
	Leader string          `json:"leader,omitempty"`
}

func writeJsonError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	reply := errorReply{Error: err.Error()}
	if code, ok := membership.CodeOf(err); ok {
		reply.Code = code
	}
	writeJsonQuiet(w, r, httpStatus, reply)
}

// statusOf maps a command error to its http status.
func statusOf(err error) int {
	if code, ok := membership.CodeOf(err); ok {
		switch code {
		case membership.EINVAL:
			return http.StatusBadRequest
		case membership.ENOENT:
			return http.StatusNotFound
		case membership.EEXIST, membership.EBUSY:
			return http.StatusConflict
		case membership.EPERM:
			return http.StatusForbidden
		}
		return http.StatusInternalServerError
	}
	var bad *badArgs
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proposal.ErrNotLeader), errors.Is(err, proposal.ErrNoMap):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func parseUint(r *http.Request, name string) (uint64, bool, error) {
	s := r.FormValue(name)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parameter %s: %v", name, err)
	}
	return v, true, nil
}
