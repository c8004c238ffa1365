// Package config holds connectproxy settings and the ways they are supplied.
//
// Values come from three layers, highest precedence first: command-line flags
// that were explicitly set, an optional YAML file, and built-in defaults.
//
// Example file:
//
//	listen: 0.0.0.0:8888
//	upstream: socks5://127.0.0.1:1080
//	no_upstream: "localhost,.internal.example.com"
//	dial_timeout: 10s
//	tcp_keepalive: "45:45:3"
//	record:
//	  mongo_uri: mongodb://127.0.0.1:27017
//	  database: connectproxy
//	  collection: sessions
package config
