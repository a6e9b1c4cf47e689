// Package config handles configuration loading for the relaydesk gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAYDESK_CONFIG environment variable
//  2. ~/.config/relaydesk/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAYDESK_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	dispatch:
//	  send_timeout: "30s"
//	  backoff_base: "1s"
//	ingress:
//	  dedupe_ttl: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/relaydesk/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${RELAYDESK_JWT_SECRET}"
//
// Platform integrations:
//
//	platforms:
//	  whatsapp:
//	    enabled: true
//	    account_sid: "${TWILIO_ACCOUNT_SID}"
//	    auth_token: "${TWILIO_AUTH_TOKEN}"
//	    webhook_url: "https://desk.example.com/webhooks/whatsapp"
//	  telegram:
//	    enabled: true
//	    bot_id: "7123456789"
//	    token: "${TELEGRAM_BOT_TOKEN}"
//	    webhook_secret: "${TELEGRAM_WEBHOOK_SECRET}"
//
// Event mirroring (optional):
//
//	events:
//	  amqp:
//	    enabled: true
//	    url: "${AMQP_URL}"
//	    exchange: "relaydesk.events"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
