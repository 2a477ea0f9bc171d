package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/glycerine/flease"
	"github.com/glycerine/ipaddr"
	"github.com/kelseyhightower/envconfig"
)

// FleasedCmd is the fleased command line. Every field
// can also come from the environment, as FLEASE_ID,
// FLEASE_PEERS, and so on; flags win over the environment.
type FleasedCmd struct {
	Identity   string `envconfig:"ID"`
	Listen     string `envconfig:"LISTEN"`
	HTTP       string `envconfig:"HTTP"`
	Peers      string `envconfig:"PEERS"`
	Cells      string `envconfig:"CELLS"`
	WantEpoch  bool   `envconfig:"EPOCH"`
	DataDir    string `envconfig:"DATA"`
	ConfigPath string `envconfig:"CONFIG"`
	PSKPath    string `envconfig:"PSK"`
	Verbose    bool   `envconfig:"VERBOSE"`
	Help       bool   `ignored:"true"`

	// filled by FinishConfig.
	peerAddrs map[flease.Identity]string
	cellIDs   []string
	psk       []byte
	leaseCfg  *flease.Config
}

// LoadEnv reads FLEASE_* variables; call before SetFlags
// so they become the flag defaults.
func (c *FleasedCmd) LoadEnv() error {
	return envconfig.Process("flease", c)
}

func (c *FleasedCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Identity, "id", c.Identity, "our identity; also our listen address unless -listen is given")
	fs.StringVar(&c.Listen, "listen", c.Listen, "host:port for peer traffic (default: -id)")
	fs.StringVar(&c.HTTP, "http", c.HTTP, "host:port for the JSON status server (default: a free 127.0.0.1 port)")
	fs.StringVar(&c.Peers, "peers", c.Peers, "comma separated id=host:port of the other participants")
	fs.StringVar(&c.Cells, "cells", c.Cells, "comma separated cells to open at startup")
	fs.BoolVar(&c.WantEpoch, "epoch", c.WantEpoch, "keep durable master epochs under -data")
	fs.StringVar(&c.DataDir, "data", c.DataDir, "directory for the master epoch file (default: flease.GetDataDir())")
	fs.StringVar(&c.ConfigPath, "config", c.ConfigPath, "JSON flease.Config file (times in milliseconds)")
	fs.StringVar(&c.PSKPath, "psk", c.PSKPath, "file holding the cluster pre-shared key; frames are sealed when given")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "trace the protocol")
	fs.BoolVar(&c.Help, "h", false, "show this help")
}

func (c *FleasedCmd) FinishConfig(fs *flag.FlagSet) (err error) {
	if c.Help {
		return nil
	}
	if c.ConfigPath != "" {
		c.leaseCfg, err = flease.LoadConfigJSON(c.ConfigPath)
		if err != nil {
			return err
		}
		if c.Identity == "" {
			c.Identity = string(c.leaseCfg.Identity)
		}
	}
	if c.Identity == "" {
		return fmt.Errorf("fleased: -id is required")
	}
	if c.leaseCfg == nil {
		c.leaseCfg = flease.NewConfig(flease.Identity(c.Identity))
	}
	if c.leaseCfg.Identity != flease.Identity(c.Identity) {
		c.leaseCfg.Identity = flease.Identity(c.Identity)
		c.leaseCfg.SenderID = flease.SenderIDFor(c.leaseCfg.Identity)
	}
	if c.Verbose {
		c.leaseCfg.Verbose = true
	}
	if err = c.leaseCfg.CheckForProblems(); err != nil {
		return err
	}

	if c.Listen == "" {
		c.Listen = c.Identity
	}
	if c.HTTP == "" {
		c.HTTP = fmt.Sprintf("127.0.0.1:%v", ipaddr.GetAvailPort())
	}

	c.peerAddrs, err = parsePeers(c.Peers)
	if err != nil {
		return err
	}
	delete(c.peerAddrs, flease.Identity(c.Identity))

	for _, id := range strings.Split(c.Cells, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			c.cellIDs = append(c.cellIDs, id)
		}
	}

	if c.WantEpoch && c.DataDir == "" {
		c.DataDir, err = flease.GetDataDir()
		if err != nil {
			return err
		}
	}
	if c.PSKPath != "" {
		c.psk, err = os.ReadFile(c.PSKPath)
		if err != nil {
			return fmt.Errorf("fleased: reading -psk '%v': %v", c.PSKPath, err)
		}
		c.psk = []byte(strings.TrimSpace(string(c.psk)))
		if len(c.psk) == 0 {
			return fmt.Errorf("fleased: -psk file '%v' is empty", c.PSKPath)
		}
	}
	return nil
}

// acceptors lists the peer identities in a stable order.
func (c *FleasedCmd) acceptors() (r []flease.Identity) {
	for id := range c.peerAddrs {
		r = append(r, id)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return
}

// parsePeers reads "a=host:1,b=host:2". A bare host:port
// is its own identity.
func parsePeers(s string) (map[flease.Identity]string, error) {
	r := make(map[flease.Identity]string)
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		id, addr, found := strings.Cut(kv, "=")
		if !found {
			addr = id
		}
		id = strings.TrimSpace(id)
		addr = strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("fleased: bad -peers entry '%v'", kv)
		}
		r[flease.Identity(id)] = addr
	}
	return r, nil
}
