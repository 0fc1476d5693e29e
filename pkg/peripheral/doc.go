/*
Package peripheral implements the vehicle opener's GATT server: the session and
characteristic-interaction state machine that sits between a BLE stack and the rolling code
generator.

A [Server] owns every piece of mutable state. Stack callbacks never touch that state directly;
they are posted to a single dispatch queue that [Server.Run] drains on one goroutine, so handlers
run one at a time in arrival order. Callbacks that must answer the stack (reads, writes, pairing
prompts) wait for the loop with a bounded timeout.

A peer interacts with the opener as follows:

 1. The server advertises the opener service.
 2. The peer connects and pairs. Unencrypted links are dropped unless the operator opted out of
    encryption.
 3. The peer subscribes to RollingCode and writes a challenge to Authorization.
 4. The server answers with a rolling code notified to every RollingCode subscriber.

Independently, the Liveness characteristic is refreshed from a timer in the same loop.
*/
package peripheral
