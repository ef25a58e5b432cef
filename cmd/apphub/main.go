/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"

	"github.com/benediktbwimmer/apphub-sub011/pkg/config"
	"github.com/benediktbwimmer/apphub-sub011/pkg/server"
)

func main() {
	configPath := flag.String("config", "/etc/apphub/config.yaml", "path to the yaml configuration file")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := config.LoadConfig(*configPath); err != nil {
		klog.ErrorS(err, "failed to load config", "path", *configPath)
		os.Exit(1)
	}
	s, err := server.NewServer()
	if err != nil {
		klog.ErrorS(err, "failed to init server")
		os.Exit(1)
	}
	if err = s.Start(); err != nil {
		klog.ErrorS(err, "server exited with error")
		os.Exit(1)
	}
}
