/*
Package events provides an in-process publish/subscribe broker for farm
events such as node discovery, node failures and job transitions.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// Every event, or only the listed types
	sub := broker.Subscribe(events.EventJobDone, events.EventJobFailed)
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Println(event.Type, event.Message)
	}

Delivery is best effort. Publish never blocks the caller: events are
dropped when the broker queue is full, and a subscriber whose buffer is
full misses events until it catches up.
*/
package events
