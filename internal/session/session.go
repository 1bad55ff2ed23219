// Package session keeps per-connection records in Redis: which server owns a
// websocket connection and which user identity and role joined on it. The
// presence endpoint reads them to report a user's role and server; routing
// decisions are made from the in-memory presence registry.
package session
