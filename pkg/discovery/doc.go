/*
Package discovery implements the UDP beacon render nodes use to announce
themselves to the farm.

A node's Sender broadcasts a datagram every few seconds:

	RENDERFARM_NODE
	<address>
	<port>
	<blank line>

The farm's Receiver binds the beacon port and calls its Handler for every
valid announcement. An empty address is replaced by the datagram's source
IP, which is what nodes behind a single interface usually want. Malformed
datagrams are ignored. Handler calls are rate limited so stray broadcast
traffic cannot flood the farm; announcements repeat, so a dropped one only
delays discovery by one period.
*/
package discovery
