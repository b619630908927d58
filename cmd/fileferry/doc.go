// Package main provides the fileferry command-line interface.
//
// # Overview
//
// fileferry moves single files between a client and a server. The default
// transport is UDP with per-chunk acknowledgments; TCP and QUIC streams are
// available when the server enables them.
//
// # Usage
//
// Run a server storing files under ./storage, with every transport enabled
// and an mDNS announcement:
//
//	fileferry serve --storage ./storage --udp :9000 --tcp :9001 --quic :9002 --advertise
//
// Upload and download over UDP:
//
//	fileferry upload ./report.pdf --server 192.168.1.20:9000
//	fileferry download report.pdf ./copy.pdf --server 192.168.1.20:9000
//
// Use a stream transport, or find the server on the local network:
//
//	fileferry upload ./report.pdf -t quic -S 192.168.1.20:9002
//	fileferry download report.pdf -S auto
//	fileferry discover
//
// Observe retransmission by dropping a fraction of the server's datagrams:
//
//	fileferry serve --drop-rate 0.2 --log-level debug
//
// # Configuration
//
// Every tunable can be set in a YAML file passed with --config; flags
// override the file:
//
//	storage: /srv/fileferry
//	listen:
//	  udp: ":9000"
//	  tcp: ":9001"
//	handshake:
//	  timeout: 2s
//	  attempts: 5
//	transfer:
//	  chunk_timeout: 1s
//	  drain_timeout: 5s
//	log:
//	  level: info
//	  format: json
//
// Logging flags:
//   - --log-level: debug, info, warn or error
//   - --log-format: text or json
//   - --log-file: append to a file instead of stderr
package main
