package cmd

// protocolVersion is the value exchanged via the Sec-WebSocket-Protocol
// header during the upgrade handshake. A mismatch (or a missing/incorrect
// PSK) makes the server respond exactly like its stealth "not found"
// fallback, so an unauthenticated probe cannot distinguish a live tunnel
// endpoint from an absent one.
const protocolVersion = "wstunnel.v1"

// pskHeader carries the pre-shared key on the client->server handshake.
const pskHeader = "x-tunnel-psk"
