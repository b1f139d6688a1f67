// Package natsclient provides a NATS client with circuit breaker protection,
// automatic reconnection, and JetStream support, used by the network Source
// to receive tags published to a JetStream stream.
//
// Circuit Breaker Pattern: fails fast after a threshold of consecutive
// failures (default: 5). After a backoff that doubles each time the circuit
// opens (capped by WithMaxBackoff), the circuit returns to disconnected so
// the next Connect call may try again; the client does not reconnect on its
// own.
//
// Connection Lifecycle: Disconnected -> Connecting -> Connected ->
// Reconnecting -> Connected, with configurable callbacks for state changes.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222")
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(context.Background()); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
package natsclient
