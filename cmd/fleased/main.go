package main

// fleased runs one flease participant over TCP, opens the
// requested cells, and serves their state as JSON.
//
//	fleased -id 10.0.0.1:7000 -peers 10.0.0.2:7000,10.0.0.3:7000 -cells leader -epoch
//
// On SIGINT/SIGTERM every cell is closed with its lease
// handed back, so a peer can take over at once.

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glycerine/flease"
	"github.com/glycerine/flease/epochstore"
	"github.com/glycerine/flease/tcpcomm"
)

func main() {
	flease.Exit1IfVersionReq()

	cmd := &FleasedCmd{}
	panicOn(cmd.LoadEnv())
	fs := flag.NewFlagSet("fleased", flag.ExitOnError)
	cmd.SetFlags(fs)
	fs.Parse(os.Args[1:])
	if cmd.Help {
		fmt.Fprintf(os.Stderr, "fleased {options}\n")
		fs.PrintDefaults()
		return
	}
	if err := cmd.FinishConfig(fs); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if cmd.Verbose {
		flease.VerboseVerbose.Store(true)
	}
	fmt.Printf("pid = %v\n", os.Getpid())
	fmt.Printf("fleased '%v' started at %v\n", cmd.Identity, time.Now().UTC().Format(time.RFC3339))

	d, err := start(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleased: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	alwaysPrintf("fleased '%v' shutting down", cmd.Identity)
	d.Close()
}

// daemon is everything fleased runs.
type daemon struct {
	cmd   *FleasedCmd
	stage *flease.Stage
	comm  *tcpcomm.Comm
	store *epochstore.FileStore
	web   *http.Server
}

func start(cmd *FleasedCmd) (d *daemon, err error) {
	d = &daemon{cmd: cmd}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	var meh flease.MasterEpochHandler
	if cmd.WantEpoch {
		d.store, err = epochstore.NewFileStoreInDir(cmd.DataDir)
		if err != nil {
			return
		}
		meh = d.store
		alwaysPrintf("master epochs in '%v'", d.store.Path())
	}

	d.comm, err = tcpcomm.New(&tcpcomm.Config{
		Identity:     flease.Identity(cmd.Identity),
		ListenAddr:   cmd.Listen,
		Peers:        cmd.peerAddrs,
		PreSharedKey: cmd.psk,
	})
	if err != nil {
		return
	}

	status := &flease.StatusFuncs{
		OnChange: func(cellID string, lease flease.Flease) {
			alwaysPrintf("cell '%v' now: %v", cellID, lease)
		},
		OnFail: func(cellID string, err error) {
			alwaysPrintf("cell '%v' election failed: %v", cellID, err)
		},
	}
	views := flease.ViewChangeFunc(func(cellID string, viewID int32) {
		alwaysPrintf("cell '%v': peers are in view %v; restart with the current membership", cellID, viewID)
	})

	d.stage, err = flease.NewStage(cmd.leaseCfg, d.comm, status, views, meh)
	if err != nil {
		return
	}
	if err = d.comm.Start(d.stage.Receive); err != nil {
		return
	}
	d.stage.Start()
	alwaysPrintf("'%v' listening on %v; peers %v", cmd.Identity, d.comm.Addr(), cmd.acceptors())

	acceptors := cmd.acceptors()
	for _, cellID := range cmd.cellIDs {
		d.stage.OpenCell(cellID, acceptors, cmd.WantEpoch)
	}

	srv := &server{
		me:        flease.Identity(cmd.Identity),
		stage:     d.stage,
		comm:      d.comm,
		store:     d.store,
		acceptors: acceptors,
		wantEpoch: cmd.WantEpoch,
		dMax:      cmd.leaseCfg.ClockDriftBound,
	}
	d.web = &http.Server{Addr: cmd.HTTP, Handler: srv.router()}
	go func() {
		alwaysPrintf("status at http://%v/state", cmd.HTTP)
		if err := d.web.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			alwaysPrintf("fleased http: %v", err)
		}
	}()
	return d, nil
}

// Close hands back our leases, then stops
// everything in reverse order of starting it.
func (d *daemon) Close() {
	if d.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d.web.Shutdown(ctx)
		cancel()
	}
	if d.stage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, cellID := range d.cmd.cellIDs {
			d.stage.CloseCell(cellID, true).Get(ctx)
		}
		cancel()
		// let the LEASE_RETURNs leave.
		time.Sleep(100 * time.Millisecond)
		d.stage.Close()
	}
	if d.comm != nil {
		d.comm.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}
