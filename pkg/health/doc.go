/*
Package health provides reachability checks and the prober the farm uses
for manually added nodes.

Auto-discovered nodes announce themselves with a UDP beacon; a node added
by hand does not. The Prober dials every manual node on an interval with a
TCPChecker and reports each successful connect through its SightFunc. The
farm wires that to DiscoveredNode, so a manual node in the error state gets
retried the same way a beaconing node does: on its next sighting.

HTTPChecker is used by the command line client to wait for a farm API to
come up.
*/
package health
