/*
Package node implements the render node side of the farm protocol.

A Server listens for farm sessions and serves one at a time. Each session
checks the protocol version, receives the scene descriptor and a seed, then
starts an Engine and answers GET_STATS, GET_FILM and DONE until the farm
hangs up. A second farm connecting while a session is active is turned away
with "ERROR: busy".

SimEngine is the built-in Engine: a procedural progressive renderer whose
per-sample jitter is driven by the seed, so films from different seeds can
be merged into a cleaner image.

	srv := node.NewServer(node.Config{ListenAddr: ":18018"})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
*/
package node
