/*
Package router bridges the local channel endpoint and the host bus under one API.

A Router mirrors every listener and handler onto both fabrics, routes emissions to
the bot and to pages, and forwards traffic between senders and receivers according
to per-subject rules with a "$default" fallback. Forwarding is built on the Router's
own public API, so forwarded traffic can be forwarded again.
*/
package router
