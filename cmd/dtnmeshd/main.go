// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/agent"
	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/config"
	"github.com/meshbound/dtnmesh/pkg/discovery"
	"github.com/meshbound/dtnmesh/pkg/engine"
	"github.com/meshbound/dtnmesh/pkg/l2"
	"github.com/meshbound/dtnmesh/pkg/l2/loop"
	"github.com/meshbound/dtnmesh/pkg/l2/udpbroadcast"
	"github.com/meshbound/dtnmesh/pkg/stats"
)

func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}

func setupLogging(conf config.LoggingConf) {
	level := conf.Level
	if level == "" {
		level = "info"
	}
	if lvl, err := log.ParseLevel(level); err != nil {
		log.WithFields(log.Fields{"level": level, "error": err}).Warn("unknown log level, defaulting to info")
	} else {
		log.SetLevel(lvl)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	default:
		log.WithField("format", conf.Format).Warn("unknown logging format, defaulting to text")
		log.SetFormatter(&log.TextFormatter{})
	}
}

func selfEndpoint(conf config.NodeConf) (bpv7.EndpointID, error) {
	switch conf.Scheme {
	case "", "ipn":
		num, err := strconv.ParseUint(conf.ID, 10, 32)
		if err != nil {
			return bpv7.EndpointID{}, fmt.Errorf("node.id %q is not a valid ipn node number: %w", conf.ID, err)
		}
		return bpv7.NewIpnEndpoint(uint32(num)), nil
	case "dtn":
		return bpv7.NewDtnEndpoint(conf.ID), nil
	default:
		return bpv7.EndpointID{}, fmt.Errorf("node.scheme %q is neither \"ipn\" nor \"dtn\"", conf.Scheme)
	}
}

func buildLink(conf config.LinkConf) (l2.Link, error) {
	switch conf.Kind {
	case "udp-broadcast":
		return udpbroadcast.New(conf.BindAddress, conf.BroadcastAddress)
	case "loop":
		hub := loop.NewHub()
		return loop.New(hub, conf.LoopAddress), nil
	default:
		return nil, fmt.Errorf("link.kind %q is neither \"udp-broadcast\" nor \"loop\"", conf.Kind)
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	setupLogging(cfg.Logging)

	self, err := selfEndpoint(cfg.Node)
	if err != nil {
		log.WithError(err).Fatal("invalid node identity")
	}

	link, err := buildLink(cfg.Link)
	if err != nil {
		log.WithError(err).Fatal("failed to bring up link")
	}
	defer link.Close()

	discoveryPeriod, err := cfg.Timers.DiscoveryPeriodDuration()
	if err != nil {
		log.WithError(err).Fatal("invalid timers.discovery-period")
	}
	retransmitPeriod, err := cfg.Timers.RetransmitPeriodDuration()
	if err != nil {
		log.WithError(err).Fatal("invalid timers.retransmit-period")
	}

	statsReg := stats.New()
	registry := agent.NewRegistry()

	e := engine.New(self, cfg.Node.HasClock, link, registry, statsReg, discoveryPeriod, cfg.Store.Capacity, 0, 0)

	sched := discovery.NewScheduler(discoveryPeriod, func() { e.Post(engine.DiscoveryTick{}) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go e.RunRecvLoop(ctx)
	go e.RunRetransmitTicker(ctx, retransmitPeriod)
	sched.Start()
	defer sched.Stop()

	if cfg.Metrics.Listen != "" {
		router := mux.NewRouter()
		statsReg.MountRoute(router, "/metrics")
		go func() {
			log.WithField("listen", cfg.Metrics.Listen).Info("serving metrics")
			if err := http.ListenAndServe(cfg.Metrics.Listen, router); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	go func() {
		if err := e.Run(ctx); err != nil {
			log.WithError(err).Info("convergence engine stopped")
		}
	}()

	log.WithFields(log.Fields{
		"node":      self,
		"link":      cfg.Link.Kind,
		"discovery": discoveryPeriod,
	}).Info("dtnmeshd started")

	waitSigint()
	log.Info("shutting down")
	cancel()
}
