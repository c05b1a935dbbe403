// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor runs WebSocket connections on a single goroutine driven by
// epoll readiness events. A Reactor owns its listeners, sockets and
// protocol.Connection state machines; other goroutines talk to it only
// through its mailbox (protocol.Sender, Broadcast, Connect, Shutdown).
package reactor
