// Package grammar decodes eBUS telegrams into named field values using a
// configuration-driven grammar.
//
// A grammar is a YAML (or JSON) document listing the commands to decode:
//
//	entries:
//	  - id: heating
//	    comment: Vaillant operational data
//	    command: "b5 11"
//	    match: "01"
//	    values:
//	      flow_temp:   {type: data1c, pos: 1, part: slave}
//	      return_temp: {type: data1c, pos: 2, part: slave}
//
// Each entry matches telegrams by command bytes (PB SB) and optionally by
// destination, master data length and a master data prefix. Every value
// names a position (1-based) in the master or slave data and a wire type.
// Decoded fields are named "<entry id>.<value name>".
//
// The bundled default grammar covers the commands common to most eBUS
// installations and is used when no location is configured.
package grammar
