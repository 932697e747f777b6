/*
Package fabric defines the contracts of the two messaging fabrics the router bridges:
the local channel endpoint (addressed as Bot) and the host bus shared by named pages.
*/
package fabric
