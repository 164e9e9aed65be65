// Package ebus bridges a heating installation's eBUS to MQTT.
//
// eBUS is a 2400 baud, half-duplex, multidrop serial bus used by heating and
// climate appliances. This package owns the serial link, frames telegrams
// out of the raw byte stream, serialises outbound telegrams through a bounded
// queue and turns decoded telegram fields into typed state updates.
//
// # Architecture
//
//	┌──────────┐  bytes   ┌────────┐ Telegram ┌─────────┐ fields ┌───────────┐
//	│  Serial  │─────────►│ Framer │─────────►│ Decoder │───────►│ Publisher │
//	│   Port   │◄───┐     └────────┘          └─────────┘        └───────────┘
//	└──────────┘    │
//	           ┌────┴────────┐   ┌──────────────┐
//	           │ Transmitter │◄──│ Output Queue │◄── Connector.Send
//	           └─────────────┘   └──────────────┘
//
// The Connector owns the link lifecycle (Open, Close, IsOpen) and wires the
// pieces together. The decoding grammar is supplied from outside through the
// Decoder interface; see package grammar for the bundled implementation.
//
// # Wire Format
//
// Telegrams are delimited by SYN (0xAA). Inside a telegram the bytes 0xA9
// and 0xAA are escaped as A9 00 and A9 01. A master telegram is
//
//	QQ ZZ PB SB NN DB1..DBn CRC
//
// where QQ is the sender (a master address), ZZ the receiver, PB/SB the
// command and NN the data length (0..16). The CRC is CRC-8 with polynomial
// 0x9B over the escaped bytes. Addressed telegrams are acknowledged (00) or
// rejected (FF); master-slave exchanges carry a slave response with its own
// CRC followed by the master's acknowledgement.
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless noted. The Framer is
// owned by a single receive goroutine.
package ebus
