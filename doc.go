// Package adatp implements the adatp real-time transport protocol: a
// relay server that carries encrypted text, voice, video, and file
// traffic between sessions over TCP, grouped into named rooms.
//
// Every connection runs an authenticated key exchange (X25519+HKDF or
// Noise-NN, selected by the wire version) and then speaks length-prefixed
// binary packets whose payloads are sealed with an AEAD bound to the
// session. The server never inspects media payloads; it validates the
// framing, enforces room membership, and forwards.
//
// # Running a server
//
// The Service type assembles the whole process from configuration:
//
//	cfg, err := config.Load("adatpd.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := adatp.NewService(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Run binds the protocol listener and the admin HTTP API, starts the
// transfer janitor, and blocks until the context is cancelled.
//
// # Connecting a client
//
// The client package dials, performs the handshake, and exposes typed
// events:
//
//	c, err := client.Dial("localhost:8444", client.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	c.Join("lobby")
//	c.SendText("lobby", "hello")
//
//	for {
//	    ev, err := c.Recv()
//	    if err != nil {
//	        break
//	    }
//	    if ev.Type == client.EventText {
//	        fmt.Printf("<%s> %s\n", ev.From, ev.Text)
//	    }
//	}
//
// # Integration architecture
//
// This package is the integration point, orchestrating:
//
//   - [github.com/opd-ai/adatp/wire]: packet header codec and payload envelopes
//   - [github.com/opd-ai/adatp/crypto]: key exchange, KDF, and session AEAD
//   - [github.com/opd-ai/adatp/handshake]: client and server handshake state machines
//   - [github.com/opd-ai/adatp/server]: TCP listener and per-connection actors
//   - [github.com/opd-ai/adatp/router]: room and direct packet forwarding
//   - [github.com/opd-ai/adatp/room]: room registry and membership
//   - [github.com/opd-ai/adatp/transfer]: file-transfer bookkeeping
//   - [github.com/opd-ai/adatp/auth]: credential verification backends
//   - [github.com/opd-ai/adatp/keystore]: admin API key persistence
//   - [github.com/opd-ai/adatp/api]: admin HTTP endpoints
//   - [github.com/opd-ai/adatp/metrics]: counters, JSON snapshot, Prometheus
//   - [github.com/opd-ai/adatp/client]: the Go client
//
// The cmd/adatpd command wraps the Service in a CLI with key management
// subcommands.
package adatp
