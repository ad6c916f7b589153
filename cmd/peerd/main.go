// Command peerd runs one peer-rpc node: the control listener with its
// per-peer acceptors, membership registration, and a metrics endpoint.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peer-rpc/client"
	"peer-rpc/cluster"
	"peer-rpc/config"
	"peer-rpc/logging"
	"peer-rpc/metrics"
	"peer-rpc/server"
)

const shutdownTimeout = 10 * time.Second

// selfCheckDelay gives the accept loop a moment before the loopback probe.
const selfCheckDelay = 500 * time.Millisecond

// Health is the module every node serves by default, so peers can verify
// a node end to end with a plain call.
type Health struct{}

func (h *Health) Ping() string { return "pong" }

func (h *Health) Echo(v any) any { return v }

func main() {
	var (
		nodeName    string
		controlPort int
		advertise   string
		etcdEps     []string
		policy      string
		moduleList  []string
		rate        float64
		burst       int
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "peerd",
		Short: "peer-rpc node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeName == "" {
				return fmt.Errorf("--node is required")
			}
			log, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg := config.New(
				config.WithNodeName(nodeName),
				config.WithControlPort(controlPort),
				config.WithModuleControl(config.ModulePolicy(policy), moduleList...),
				config.WithRequestRate(rate, burst),
				config.WithEtcdEndpoints(etcdEps...),
			)

			var cl cluster.Cluster
			if len(etcdEps) > 0 {
				etcd, err := cluster.NewEtcd(etcdEps, log)
				if err != nil {
					return fmt.Errorf("etcd: %w", err)
				}
				defer etcd.Close()
				cl = etcd
			}

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Warn("metrics endpoint failed", zap.Error(err))
					}
				}()
			}

			srv := server.New(cfg, cl, log, m)
			if err := srv.RegisterModule("health", &Health{}); err != nil {
				return err
			}
			if err := srv.Listen(); err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(advertise) }()

			// The client half of this node; peers it dials are resolved
			// through cl, and calling our own name goes over loopback.
			selfCfg := cfg
			selfCfg.ControlPort = srv.Port()
			c := client.New(selfCfg, cl, log, m)
			defer c.Close()

			// Verify the node end to end through its own data path.
			go func() {
				time.Sleep(selfCheckDelay)
				if v, err := c.Call(nodeName, "health", "ping"); err != nil {
					log.Error("health self-call failed", zap.Error(err))
				} else {
					log.Info("health self-call ok", zap.Any("reply", v))
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case s := <-sig:
				log.Info("signal received, shutting down", zap.String("signal", s.String()))
				return srv.Shutdown(shutdownTimeout)
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&nodeName, "node", "", "cluster-unique node name")
	cmd.Flags().IntVar(&controlPort, "control-port", config.Default().ControlPort, "control-channel listener port")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address registered in cluster membership")
	cmd.Flags().StringSliceVar(&etcdEps, "etcd", nil, "etcd endpoints for cluster membership")
	cmd.Flags().StringVar(&policy, "module-control", string(config.PolicyOff), "allowed-call policy: off|whitelist|blacklist")
	cmd.Flags().StringSliceVar(&moduleList, "modules", nil, "module names for the allowed-call policy")
	cmd.Flags().Float64Var(&rate, "request-rate", 0, "inbound requests per second (0 = unlimited)")
	cmd.Flags().IntVar(&burst, "request-burst", 1, "inbound request burst")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus endpoint address (empty = disabled)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
