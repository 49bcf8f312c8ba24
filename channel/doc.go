/*
The channel package implements the messaging core that connects a trading engine to its operators.

Outbound, alerts published against a named group fan out concurrently to every
destination in the group, one send per destination, and the caller receives a
DeliveryResult per destination in the original group order.

Inbound, messages received from bidirectional adapters are parsed as commands
and dispatched to registered handlers, with replies addressed back to the
originating channel and destination.

The Registry and GroupSet are built during startup and are not mutated afterwards.
The command handler set allows registration at any time but is expected to be
written from a single goroutine.
*/
package channel
