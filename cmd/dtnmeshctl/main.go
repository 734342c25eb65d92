// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshbound/dtnmesh/pkg/agent"
	"github.com/meshbound/dtnmesh/pkg/bpv7"
	"github.com/meshbound/dtnmesh/pkg/config"
	"github.com/meshbound/dtnmesh/pkg/engine"
	"github.com/meshbound/dtnmesh/pkg/l2"
	"github.com/meshbound/dtnmesh/pkg/l2/loop"
	"github.com/meshbound/dtnmesh/pkg/l2/udpbroadcast"
	"github.com/meshbound/dtnmesh/pkg/stats"
)

// dtnmeshctl has no RPC channel into a running dtnmeshd: the node's only
// application interface is the in-process agent.Registry. So send and
// listen each bring up their own short-lived engine on the same link a
// co-located dtnmeshd uses, rather than talking to one over the network.

func showHelp() {
	fmt.Printf("dtnmeshctl send   <config.toml> <dest-eid> <service-num>\n")
	fmt.Printf("  sends data from stdin to dest-eid, addressed to service-num\n\n")
	fmt.Printf("dtnmeshctl listen <config.toml> <service-num>\n")
	fmt.Printf("  prints every payload delivered to service-num until interrupted\n\n")
	fmt.Printf("Examples:\n")
	fmt.Printf("  dtnmeshctl send   node.toml 2 7 <<< \"hello mesh\"\n")
	fmt.Printf("  dtnmeshctl listen node.toml 7\n")
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

func parseEndpoint(s string) (bpv7.EndpointID, error) {
	if num, err := strconv.ParseUint(s, 10, 32); err == nil {
		return bpv7.NewIpnEndpoint(uint32(num)), nil
	}
	return bpv7.NewDtnEndpoint(s), nil
}

func startEngine(cfgPath string) (*engine.Engine, *agent.Registry, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	self, err := parseEndpoint(cfg.Node.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	link, err := buildLink(cfg.Link)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bringing up link: %w", err)
	}

	discoveryPeriod, err := cfg.Timers.DiscoveryPeriodDuration()
	if err != nil {
		return nil, nil, nil, err
	}

	registry := agent.NewRegistry()
	statsReg := stats.New()
	e := engine.New(self, cfg.Node.HasClock, link, registry, statsReg, discoveryPeriod, cfg.Store.Capacity, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go e.RunRecvLoop(ctx)
	go func() {
		if err := e.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("dtnmeshctl engine stopped unexpectedly")
		}
	}()

	cleanup := func() {
		cancel()
		_ = link.Close()
	}
	return e, registry, cleanup, nil
}

func runSend(cfgPath, destStr, serviceNumStr string) error {
	serviceNum, err := strconv.ParseUint(serviceNumStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid service number %q: %w", serviceNumStr, err)
	}

	dest, err := parseEndpoint(destStr)
	if err != nil {
		return err
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	e, registry, cleanup, err := startEngine(cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	handle := agent.NewChannelAgent(1)
	registry.Register(uint32(serviceNum), handle)
	defer registry.Unregister(uint32(serviceNum))

	e.Send(uint32(serviceNum), dest, payload)

	// Give the convergence loop a moment to dispatch before exiting; the
	// store is in memory only, so whatever has not been sent by then is lost.
	time.Sleep(500 * time.Millisecond)
	return nil
}

func runListen(cfgPath, serviceNumStr string) error {
	serviceNum, err := strconv.ParseUint(serviceNumStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid service number %q: %w", serviceNumStr, err)
	}

	_, registry, cleanup, err := startEngine(cfgPath)
	if err != nil {
		return err
	}
	defer cleanup()

	handle := agent.NewChannelAgent(16)
	registry.Register(uint32(serviceNum), handle)
	defer registry.Unregister(uint32(serviceNum))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	for {
		select {
		case payload := <-handle.Inbox():
			os.Stdout.Write(payload)
			os.Stdout.Write([]byte("\n"))
		case <-sig:
			return nil
		}
	}
}

func main() {
	args := os.Args[1:]

	if len(args) == 0 {
		showHelp()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "send":
		if len(args) != 4 {
			fmt.Printf("Amount of parameters is wrong.\n\n")
			showHelp()
			os.Exit(1)
		}
		err = runSend(args[1], args[2], args[3])

	case "listen":
		if len(args) != 3 {
			fmt.Printf("Amount of parameters is wrong.\n\n")
			showHelp()
			os.Exit(1)
		}
		err = runListen(args[1], args[2])

	case "help", "--help", "-h":
		showHelp()
		return

	default:
		fmt.Printf("Unknown option: %s\n\n", args[0])
		showHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}
