// Copyright © 2021 Joel Baranick <jbaranick@gmail.com>
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
// 	  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/victronenergy/dbus-acsystem/internal/busconn"
	"github.com/victronenergy/dbus-acsystem/internal/metrics"
	"github.com/victronenergy/dbus-acsystem/internal/monitor"
)

var (
	busFlag         = kingpin.Flag("dbus", "Bus to connect to.").Default("system").Enum("system", "session")
	debugFlag       = kingpin.Flag("debug", "Shorthand for --log.level=debug.").Bool()
	metricsAddrFlag = kingpin.Flag("metrics-addr", "Address to serve Prometheus metrics on; empty disables it.").Default("127.0.0.1:9485").String()
)

// debugToLogLevel lets --debug stand in for --log.level=debug without
// duplicating log.AddFlags' own level-parsing logic.
func debugToLogLevel(args []string) []string {
	for _, a := range args {
		if a == "--debug" {
			return append(append([]string{}, args...), "--log.level=debug")
		}
	}
	return args
}

func main() {
	log.AddFlags(kingpin.CommandLine)
	kingpin.Version(version.Print("dbus-acsystem"))
	kingpin.HelpFlag.Short('h')
	kingpin.MustParse(kingpin.CommandLine.Parse(debugToLogLevel(os.Args[1:])))

	busType := busconn.ParseBusType(*busFlag)
	dial := func() (*dbus.Conn, error) { return busconn.Dial(busType) }

	conn, err := dial()
	if err != nil {
		log.Errorf("could not connect to %s bus: %v", busType, err)
		os.Exit(1)
	}

	mon := monitor.New(conn, dial, version.Version)
	if err := mon.Start(); err != nil {
		log.Errorf("could not start monitor: %v", err)
		os.Exit(1)
	}

	if *metricsAddrFlag != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(mon))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: *metricsAddrFlag, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("serving metrics on %s/metrics", *metricsAddrFlag)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log.Infof("dbus-acsystem %s starting on the %s bus", version.Version, busType)
	if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("monitor stopped: %v", err)
		os.Exit(1)
	}
	log.Info("dbus-acsystem shutting down")
}
