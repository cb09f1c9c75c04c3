package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cbeuw/remoting/internal/config"
	"github.com/cbeuw/remoting/internal/server"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	configPath := flag.String("c", "server.toml", "config: path to the configuration file")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	pprofAddr := flag.String("d", "", "debug use: ip:port to be listened by pprof profiler")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("rm-server %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	if *pprofAddr != "" {
		runtime.SetBlockProfileRate(5)
		go func() {
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
		log.Infof("pprof listening on %v", *pprofAddr)
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}

	s, err := server.New(cfg)
	if err != nil {
		log.Fatalf("unable to initialise server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Serve(ctx); err != nil {
		log.Fatal(err)
	}
	log.Info("server stopped")
}
