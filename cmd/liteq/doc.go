// Command liteq operates a liteq database from the shell.
//
// liteq is an embedded, persistent message queue in a single SQLite
// file. The command covers producing, consuming, and operating on
// queues without writing Go.
//
// Install:
//
//	go install github.com/nuetzliches/liteq/cmd/liteq@latest
//
// Usage:
//
//	liteq put --db ./liteq.db --queue emails "hello"
//	liteq pop --db ./liteq.db --queue emails --wait 20s
package main
