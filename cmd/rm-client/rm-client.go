package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cbeuw/remoting/internal/config"
	"github.com/cbeuw/remoting/internal/rpc"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	configPath := flag.String("c", "client.toml", "config: path to the configuration file")
	addr := flag.String("s", "", "server: host:port used for every service the registry does not know")
	call := flag.String("call", "Remoting.Ping", "the method to call, as Service.Method")
	args := flag.String("args", "{}", "the arguments of the call as a JSON object")
	repeat := flag.Int("n", 1, "how many times to make the call")
	timeout := flag.Duration("timeout", 10*time.Second, "how long each call may take")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.Parse()

	if *askVersion {
		fmt.Printf("rm-client %s", version)
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

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatalf("Configuration file error: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	// arguments and replies are passed through as raw JSON, which no other serializer can carry
	if cfg.Serializer.MIME() != rpc.MIMEJSON {
		log.Fatalf("rm-client only supports the json serializer, configured with %v", cfg.Serializer.MIME())
	}

	service, method, ok := strings.Cut(*call, ".")
	if !ok || service == "" || method == "" {
		log.Fatalf("-call must be of the form Service.Method, got %q", *call)
	}
	if !json.Valid([]byte(*args)) {
		log.Fatalf("-args is not valid JSON: %v", *args)
	}

	backend, err := cfg.Registry.Open()
	if err != nil {
		log.Fatalf("unable to open registry: %v", err)
	}
	defer backend.Close()

	client := rpc.NewClient(rpc.ClientConfig{
		Discovery:     cfg.Discovery(backend),
		Serializer:    cfg.Serializer,
		Dial:          cfg.SessionDialer(),
		PoolSize:      cfg.PoolSize,
		BorrowTimeout: cfg.BorrowTimeout,
	})
	defer client.Close()

	failed := 0
	for i := 0; i < *repeat; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		start := time.Now()
		var reply json.RawMessage
		err := client.Call(ctx, service, method, json.RawMessage(*args), &reply)
		cancel()
		if err != nil {
			log.Errorf("%v.%v failed: %v", service, method, err)
			failed++
			continue
		}
		log.Debugf("%v.%v returned in %v", service, method, time.Since(start))
		fmt.Println(string(reply))
	}
	if failed > 0 {
		os.Exit(1)
	}
}
