// Package config handles configuration loading for passage-gateway.
//
// # Overview
//
// Configuration is one YAML or TOML file (chosen by the .toml extension)
// with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Resolution order:
//
//  1. The --config flag
//  2. Path from the PASSAGE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/passage/gateway.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax ("500ms", "5s", "2m").
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"
//
//	database:
//	  path: "./data/passage.db"   # empty disables the lifecycle audit log
//
//	health:
//	  failure_threshold: 1        # consecutive unanswered probes before unhealthy
//	  max_error_rate: 0.25
//	  max_response_time: "2s"
//	  startup_grace: "10s"
//
//	supervisor:
//	  stop_grace_period: "5s"
//
//	planning:
//	  session_timeout: "2m"
//	  agent_timeout: "60s"
//	  retention: "10m"
//	  idempotency_ttl: "10m"
//
//	agents:
//	  - id: weather
//	    name: Weather Agent
//	    command: ./bin/fake-agent
//	    args: ["--id", "weather", "--http", "127.0.0.1:9101"]
//	    endpoint: http://127.0.0.1:9101
//	    health_check_interval: "5s"
//	    health_check_timeout: "2s"
//	    max_restarts: 3
//	    restart_delay: "2s"
//	    autostart: true
//
//	plans:
//	  passage:
//	    timeout: "2m"
//	    agents:
//	      - {id: weather, mandatory: true}
//
// # Validation
//
// Agent ids must be unique and non-empty, commands non-empty, health
// intervals and timeouts positive and max_restarts non-negative. Every plan
// must reference known agents and mark at least one as mandatory.
package config
