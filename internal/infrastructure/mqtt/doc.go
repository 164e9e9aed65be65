// Package mqtt is the eBUS bridge's broker connection, built on
// github.com/eclipse/paho.mqtt.golang.
//
// The bridge publishes decoded field states and health through it and
// receives send commands from it:
//
//	serial link ↔ ebus.Bridge ↔ mqtt.Client ↔ broker ↔ consumers
//
// The client reconnects on its own, restores subscriptions after each
// reconnect, recovers panics in message handlers and keeps a retained
// online/offline status on StatusTopic. Enable TLS (broker.tls) outside a
// trusted LAN; payloads are otherwise sent in clear text.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(topic, payload))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("ebus/state/+", 1, func(topic string, payload []byte) error {
//	    log.Printf("%s = %s", topic, payload)
//	    return nil
//	})
package mqtt
