/*
Package redistest runs an in-process server that speaks the Redis protocol
for tests.

=== Commands

The server understands AUTH, PING, ECHO, SELECT, GET, SET, DEL, INCR,
DBSIZE, MULTI, EXEC, DISCARD, WATCH, UNWATCH, SUBSCRIBE, PSUBSCRIBE,
UNSUBSCRIBE, PUNSUBSCRIBE, PUBLISH and QUIT, with the replies and error
messages a real server sends. Anything else is answered with an unknown
command error.

=== Fault injection

Pause holds back every reply until Resume, so a test can pile up pipelined
commands. DropConnections closes every client connection from the server
side and Inject writes raw bytes, such as a malformed frame, to every client.

=== Usage

	srv, err := redistest.Start(redistest.Options{})
	if err != nil {
		return err
	}
	defer srv.Close()

	c, err := client.New(ctx, client.Options{Addr: srv.Addr()})

*/
package redistest
