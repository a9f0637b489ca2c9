package command

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/seaweedfs/mapmon/mon/auth"
	"github.com/seaweedfs/mapmon/mon/consensus"
	"github.com/seaweedfs/mapmon/mon/failure"
	"github.com/seaweedfs/mapmon/mon/ledger"
	"github.com/seaweedfs/mapmon/mon/membership"
	"github.com/seaweedfs/mapmon/mon/osdmap"
	"github.com/seaweedfs/mapmon/mon/proposal"
	"github.com/seaweedfs/mapmon/mon/remap"
	"github.com/seaweedfs/mapmon/mon/server"
	"github.com/seaweedfs/mapmon/mon/stats"
	"github.com/seaweedfs/mapmon/mon/store"
	"github.com/seaweedfs/mapmon/mon/util"
)

var (
	srv ServerOptions
)

type ServerOptions struct {
	genesisDevices *int
	genesisFSID    *string
	leaderWait     *time.Duration
}

func init() {
	cmdServer.Run = runServer // break init cycle
	cmdServer.Flag.Var(&util.ConfigurationFileDirectory, "config", "directory with mapmon.toml")
	srv.genesisDevices = cmdServer.Flag.Int("genesis.devices", 0, "devices in the first map, created down and out")
	srv.genesisFSID = cmdServer.Flag.String("genesis.fsid", "", "cluster id of the first map, random if empty")
	srv.leaderWait = cmdServer.Flag.Duration("leaderWait", time.Minute, "how long to wait for a leader before bootstrapping")
}

var cmdServer = &Command{
	UsageLine: "server -config=/etc/mapmon",
	Short:     "start a cluster map monitor",
	Long: `start a cluster map monitor that serves device membership, pools and placement
  groups over http.

  Settings come from mapmon.toml, found in the -config directory, the current directory,
  $HOME/.mapmon/, /usr/local/etc/mapmon/ or /etc/mapmon/. Any key can be overridden by an
  environment variable, e.g. MAPMON_MON_MIN_IN_RATIO=0.5.

  Without raft.bind the monitor runs alone and always leads.

  `,
}

func runServer(cmd *Command, args []string) bool {
	util.LoadConfiguration("mapmon", false)
	opts, err := loadMonitorOptions(util.GetViper())
	if err != nil {
		glog.Fatalf("load configuration: %v", err)
	}

	s, err := store.OpenLevelDBStore(opts.storeDir)
	if err != nil {
		glog.Fatalf("open store %s: %v", opts.storeDir, err)
	}
	defer s.Close()
	l, err := ledger.New(s, opts.ledger)
	if err != nil {
		glog.Fatalf("load ledger: %v", err)
	}
	detector := failure.New(opts.failure, clock.New())
	placer := osdmap.HashPlacer{}
	sm := membership.NewMachine(opts.membership, detector, placer)
	mapper := remap.NewMapper(placer, opts.mappingWorkers, opts.mappingChunk)
	coord, err := proposal.New(opts.proposal, l, sm, mapper, &auth.Retrying{
		Authority:  auth.NewKeyring(s),
		MaxElapsed: opts.commandTimeout,
	})
	if err != nil {
		glog.Fatalf("start coordinator: %v", err)
	}

	r := mux.NewRouter()
	ms := server.NewMapServer(r, &server.MapServerOption{
		CommandTimeout: opts.commandTimeout,
	}, coord)

	var log consensus.Log
	peers := opts.raft.Peers
	if opts.raft.Addr != "" {
		raft, err := consensus.NewRaft(opts.raft, coord.StateHandlers())
		if err != nil {
			glog.Fatalf("start raft at %s: %v", opts.raft.Addr, err)
		}
		log = raft
	} else {
		log = consensus.NewLocal("mon", 0, coord.Commit)
		peers = []string{"mon"}
	}
	ms.SetConsensus(log, peers)

	go bootstrap(coord, log)
	go stats.LoopPushingMetric("mapmon", opts.httpAddress, opts.metricsAddress, opts.metricsInterval)

	glog.V(0).Infoln("Start map monitor", util.VERSION, "at", opts.httpAddress)
	httpS := &http.Server{Addr: opts.httpAddress, Handler: r}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		glog.V(0).Infof("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpS.Shutdown(ctx)
	}()
	if err := httpS.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Fatalf("map monitor failed to serve: %v", err)
	}
	ms.Shutdown()
	return true
}

// bootstrap proposes the first map once this monitor leads an empty ledger.
func bootstrap(coord *proposal.Coordinator, log consensus.Log) {
	if coord.Ledger().LastCommitted() != 0 {
		return
	}
	leader, err := consensus.WaitForLeader(log, *srv.leaderWait)
	if err != nil {
		glog.Warningf("no leader after %v, not bootstrapping", *srv.leaderWait)
		return
	}
	if !log.IsLeader() {
		glog.V(0).Infof("leader is %s, waiting for its first map", leader)
		return
	}
	fsid := *srv.genesisFSID
	if fsid == "" {
		fsid = uuid.New().String()
	}
	var devices []osdmap.Device
	for i := 0; i < *srv.genesisDevices; i++ {
		devices = append(devices, osdmap.Device{
			ID:     osdmap.DeviceID(i),
			Weight: osdmap.WeightOut,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), *srv.leaderWait)
	defer cancel()
	if err := coord.Bootstrap(ctx, osdmap.NewGenesis(fsid, time.Now(), devices)); err != nil {
		glog.Errorf("bootstrap map %s: %v", fsid, err)
	}
}
