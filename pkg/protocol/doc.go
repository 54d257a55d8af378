/*
Package protocol implements the line-oriented command channel spoken between
the farm and its render nodes.

Commands are newline terminated text lines. Bulk payloads (scene
descriptors, films) use a transfer primitive on the same stream:

	sender                      receiver
	<size>\n            ->
	                    <-      OK\n
	<size raw bytes>    ->      (read in 64 KiB chunks)
	                    <-      OK\n

A receiver writes into "<dst>.tmp" and renames to dst once every byte
arrived, so the presence of dst means the transfer completed.

Failures carry a typed error: ConnectError when a node cannot be reached,
ProtocolError for unexpected replies or "ERROR: <reason>" lines, and
TransferError when a transfer moved fewer bytes than announced.
*/
package protocol
