/*
Package client provides a Go client for the renderfarm HTTP API.

The CLI uses it for every command that talks to a running farm:

	c := client.NewClient("localhost:8080")

	cfg, err := job.LoadConfigFile("scenes/teapot-job.yaml")
	if err != nil {
		return err
	}
	rec, err := c.AddJob(ctx, cfg)

	nodes, err := c.ListNodes(ctx)

Non-2xx replies are returned as *APIError carrying the status code and the
message from the farm. CurrentJob returns nil without error when the farm
is idle. Events blocks and hands each streamed farm event to a callback.
*/
package client
