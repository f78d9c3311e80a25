// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"flag"

	"github.com/BurntSushi/toml"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

var (
	platformOverrideOpt = flag.String("platform-override", "", "force the Platform Abstraction's detected host class (colab, vast-ai, lightning-ai, paperspace, runpod, generic-linux); empty runs the detection ladder")

	httpAddrOpt = flag.String("http-address", ":8080", "address the RPC/Event Surface listens on")
	promAddrOpt = flag.String("prom-address", ":9090", "address the prometheus metrics server listens on, empty disables it")

	tunnelPreferencesOpt = flag.String("tunnel-preferences", "ngrok,cloudflare-quick,localtunnel", "comma separated tunnel provider preference order tried by the Tunnel Broker")

	vaultAddrOpt   = flag.String("vault-address", "", "Vault endpoint holding tunnel provider credentials, empty disables Vault-backed credentials")
	vaultTokenOpt  = flag.String("vault-token", "", "Vault token used to read tunnel provider credentials")
	vaultMountOpt  = flag.String("vault-mount", "secret", "Vault KVv2 mount path for tunnel provider credentials")
	vaultSecretOpt = flag.String("vault-secret-path", "orchestrator/tunnels", "Vault secret path holding one key per tunnel provider")

	amqpURLOpt    = flag.String("amqp-url", "", "AMQP broker URL events are republished to, empty disables the AMQP event publisher")
	amqpMgtURLOpt = flag.String("amqp-mgt-url", "", "AMQP management API URL used to report queue depth, empty disables the diagnostic")
	amqpUserOpt   = flag.String("amqp-user", "guest", "AMQP management API user")
	amqpPassOpt   = flag.String("amqp-pass", "guest", "AMQP management API password")
	amqpVHostOpt  = flag.String("amqp-vhost", "/", "AMQP vhost")
	amqpQueueOpt  = flag.String("amqp-diagnostic-queue", "", "queue name to report depth for, empty disables the diagnostic")

	sqsRegionOpt   = flag.String("sqs-region", "", "AWS region for the SQS command-intake queue, empty disables SQS intake")
	sqsQueueURLOpt = flag.String("sqs-queue-url", "", "SQS queue URL commands are polled from")

	metricsIntervalOpt = flag.Duration("metrics-interval", defaultMetricsInterval, "refresh interval for the per-state app count gauges")

	configFileOpt = flag.String("config", "", "optional TOML daemon config file overriding tunnel preference order and probe interval; empty disables it")
)

// fileConfig is the optional on-disk counterpart to the flags above: a
// deployment that wants to check its tunnel policy into source control
// can do so here instead of a long flag line. Any field left at its TOML
// zero value leaves the matching flag/default value untouched.
type fileConfig struct {
	TunnelPreferences []string `toml:"tunnel_preferences"`
	ProbeInterval     string   `toml:"probe_interval"`
}

// loadFileConfig decodes path as TOML. Called only when -config is set.
func loadFileConfig(path string) (*fileConfig, *apperrors.Error) {
	var cfg fileConfig
	if _, errGo := toml.DecodeFile(path, &cfg); errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, errGo).WithDetail(path)
	}
	return &cfg, nil
}
