/*
Package types defines the data structures shared across renderfarm.

# Core Types

Nodes:
  - NodeKey: address and port identifying a render node
  - Node: registry entry with discovery type, state and last contact
  - NodeState: free, rendering or error
  - DiscoveryType: auto (beacon) or manual (operator supplied)

Jobs:
  - JobRecord: snapshot of a job for the API, CLI and history store
  - JobState: queued, running, stopping, done, failed or cancelled

# State Machine

Nodes move between three states:

	         sighting            dispatch
	(new) ──────────► Free ─────────────► Rendering
	                   ▲  ▲                  │
	                   │  └── clean exit ────┤
	          sighting │                     │ session error
	                   └─────── Error ◄──────┘

Jobs only move forward:

	Queued → Running → Stopping → Done
	   │        │
	   │        └──────────────→ Failed
	   └──→ Cancelled

All types are JSON serializable; pkg/storage persists them as JSON values.
Callers synchronize mutation themselves. The farm hands out copies.
*/
package types
