// Package maisync holds the domain model shared by the orchestrator and the
// bots: jobs and their stage machine, bot heartbeats, crawl cache entries,
// sessions, score records and the interfaces the storage and transport
// layers implement.
package maisync
