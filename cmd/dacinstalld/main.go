// Command dacinstalld runs the DAC installation and lifecycle manager as a
// standalone, systemd-supervised process: it wires configuration, the
// catalog/executor core, the RPC method set, the operationStatus websocket
// relay and the periodic reconciliation scheduler together and serves them
// over a single HTTP listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"gopkg.in/yaml.v3"

	"dacinstalld/internal/eventstream"
	"dacinstalld/internal/executor"
	"dacinstalld/internal/reconcilesched"
	"dacinstalld/internal/rpcserver"
	"dacinstalld/internal/runtime/supervisor"
)

// fileConfig mirrors config.Config's JSON field names so an on-device init
// script can supply the same keys as YAML instead of JSON.
type fileConfig struct {
	AppsPath                  string `yaml:"appspath" json:"appspath"`
	DBPath                    string `yaml:"dbpath" json:"dbpath"`
	DataPath                  string `yaml:"datapath" json:"datapath"`
	AnnotationsFile           string `yaml:"annotationsFile" json:"annotationsFile"`
	AnnotationsRegex          string `yaml:"annotationsRegex" json:"annotationsRegex"`
	DownloadRetryAfterSeconds uint32 `yaml:"downloadRetryAfterSeconds" json:"downloadRetryAfterSeconds"`
	DownloadRetryMaxTimes     uint32 `yaml:"downloadRetryMaxTimes" json:"downloadRetryMaxTimes"`
	DownloadTimeoutSeconds    uint32 `yaml:"downloadTimeoutSeconds" json:"downloadTimeoutSeconds"`
}

func main() {
	configPath := flag.String("config", "", "optional YAML file with the Configure payload")
	listen := flag.String("listen", ":8080", "HTTP listen address for the RPC method set and event stream")
	reconcileCron := flag.String("reconcile-interval", "*/15 * * * *", "cron expression for the periodic reconciliation pass")
	adminSecret := flag.String("admin-secret", "", "if set, require a bearer token signed with this secret for lock/unlock")
	flag.Parse()

	configJSON, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("FATAL: dacinstalld: loading configuration: %v", err)
	}

	exec := executor.New()
	if code := exec.Configure(configJSON); code != executor.CodeNone {
		log.Fatalf("FATAL: dacinstalld: configuring executor: code=%v", code)
	}

	rpc := rpcserver.New(exec)
	if *adminSecret != "" {
		rpc.RequireBearerAuth([]byte(*adminSecret), "lock", "unlock")
	}

	hub := eventstream.NewHub(exec.Events())
	hubDone := make(chan struct{})
	rpc.RegisterEventStream(hub.Handler)

	scheduler, err := reconcilesched.New(exec, *reconcileCron)
	if err != nil {
		log.Fatalf("FATAL: dacinstalld: building reconciliation scheduler: %v", err)
	}

	httpServer := &http.Server{Addr: *listen, Handler: rpc}

	sup := supervisor.New()
	sup.Register(supervisor.NewComponent("eventstream", func(ctx context.Context) error {
		go hub.Run(hubDone)
		return nil
	}, func(ctx context.Context) error {
		close(hubDone)
		return nil
	}))
	sup.Register(supervisor.NewComponent("reconcile-scheduler", func(ctx context.Context) error {
		return scheduler.Start()
	}, func(ctx context.Context) error {
		return scheduler.Stop()
	}))
	sup.Register(supervisor.NewComponent("rpc-listener", func(ctx context.Context) error {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("ERROR: dacinstalld: rpc listener: %v", err)
			}
		}()
		return nil
	}, func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}))

	if err := sup.Start(context.Background()); err != nil {
		log.Fatalf("FATAL: dacinstalld: starting components: %v", err)
	}

	log.Printf("INFO: dacinstalld: serving RPC method set on %s", *listen)
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("WARN: dacinstalld: notifying systemd: %v", err)
	} else if sent {
		log.Printf("INFO: dacinstalld: notified systemd that service is ready")
	}

	waitForShutdownSignal()

	log.Printf("INFO: dacinstalld: shutting down")
	if err := sup.Stop(context.Background()); err != nil {
		log.Printf("WARN: dacinstalld: stopping components: %v", err)
	}
}

// loadConfig returns the JSON Configure payload: the YAML file at path
// converted to JSON, or an empty object (all documented defaults) if no
// path was given.
func loadConfig(path string) ([]byte, error) {
	if path == "" {
		return []byte("{}"), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return json.Marshal(fc)
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
